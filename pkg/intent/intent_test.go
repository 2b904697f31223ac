package intent_test

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kadirpekel/agentcore/pkg/intent"
)

func TestClassifier_Analyze_MatchesByKeyword(t *testing.T) {
	c := intent.New([]intent.Intent{
		{Name: "commute", Keywords: []string{"leave for work"}},
	})
	a := c.Analyze("when should I leave for work today?")
	assert.NotNil(t, a.Intent)
	assert.Equal(t, "commute", a.Intent.Name)
}

func TestClassifier_Analyze_FirstDeclaredWinsOnTie(t *testing.T) {
	c := intent.New([]intent.Intent{
		{Name: "first", Keywords: []string{"weather"}},
		{Name: "second", Keywords: []string{"weather"}},
	})
	a := c.Analyze("what's the weather")
	assert.Equal(t, "first", a.Intent.Name)
}

func TestClassifier_Analyze_RegexMatch(t *testing.T) {
	c := intent.New([]intent.Intent{
		{Name: "ticket", Regexes: []*regexp.Regexp{regexp.MustCompile(`(?i)#\d{4,}`)}},
	})
	a := c.Analyze("can you check ticket #4821")
	assert.NotNil(t, a.Intent)
	assert.Equal(t, "ticket", a.Intent.Name)
}

func TestClassifier_Analyze_NoMatchReturnsEmpty(t *testing.T) {
	c := intent.New([]intent.Intent{
		{Name: "commute", Keywords: []string{"leave for work"}},
	})
	a := c.Analyze("tell me a joke")
	assert.Nil(t, a.Intent)
	assert.False(t, a.RequiresClarification)
}

func TestClassifier_Analyze_SlotResolvedFromQuery(t *testing.T) {
	c := intent.New([]intent.Intent{
		{
			Name:         "travel",
			Keywords:     []string{"book a trip"},
			Slot:         "destination",
			SlotKeywords: map[string]string{"paris": "to paris", "rome": "to rome"},
		},
	})
	a := c.Analyze("book a trip to paris next week")
	assert.False(t, a.RequiresClarification)
	assert.Equal(t, "paris", a.Destination)
}

func TestClassifier_Analyze_UnresolvedSlotRequestsClarification(t *testing.T) {
	c := intent.New([]intent.Intent{
		{
			Name:            "travel",
			Keywords:        []string{"book a trip"},
			Slot:            "destination",
			SlotKeywords:    map[string]string{"paris": "to paris"},
			ClarifyTemplate: "Where would you like to go?",
		},
	})
	a := c.Analyze("book a trip soon")
	assert.True(t, a.RequiresClarification)
	assert.Equal(t, "Where would you like to go?", a.ClarifyingQuestion)
}

func TestClassifier_Analyze_IsDeterministic(t *testing.T) {
	c := intent.New([]intent.Intent{{Name: "x", Keywords: []string{"foo"}}})
	a1 := c.Analyze("foo bar")
	a2 := c.Analyze("foo bar")
	assert.Equal(t, a1, a2)
}

func TestRequiresTools_MathExpression(t *testing.T) {
	assert.True(t, intent.RequiresTools("what is 12 * 47?"))
}

func TestRequiresTools_URL(t *testing.T) {
	assert.True(t, intent.RequiresTools("summarize https://example.com/article"))
}

func TestRequiresTools_Keyword(t *testing.T) {
	assert.True(t, intent.RequiresTools("search for the latest Go release"))
}

func TestRequiresTools_GreetingIsFalse(t *testing.T) {
	assert.False(t, intent.RequiresTools("hey there, how are you?"))
}

func TestRequiresTools_FactualQuestionIsTrue(t *testing.T) {
	assert.True(t, intent.RequiresTools("what is the capital of France"))
}

func TestRequiresTools_OpinionQuestionIsFalse(t *testing.T) {
	assert.False(t, intent.RequiresTools("what is your favorite color"))
}

func TestRequiresTools_PlainSmallTalkIsFalse(t *testing.T) {
	assert.False(t, intent.RequiresTools("nice to meet you"))
}
