package categorization_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fieldledger/expensecore/internal/categorization"
)

func TestPowerToolLexiconGuardsBareTools(t *testing.T) {
	lex := categorization.NewDefaultPowerToolLexicon()

	assert.True(t, lex.MatchesBarePowerTool("DeWalt 20V drill"))
	assert.False(t, lex.MatchesBarePowerTool("drill bit set 1/4in"))
	assert.False(t, lex.MatchesBarePowerTool("2x4 lumber"))
}
