package judge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/refine/internal/evaluation"
	"github.com/fyrsmithlabs/refine/internal/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type fakeModel struct {
	reply  string
	err    error
	prompt string
}

func (m *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if text, ok := part.(llms.TextContent); ok {
				m.prompt += text.Text
			}
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func writeSubject(t *testing.T, program string) evaluation.Subject {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snake_v1.py")
	require.NoError(t, os.WriteFile(path, []byte(program), 0o644))
	return evaluation.Subject{Name: "snake", Revision: 1, Path: path, Brief: "The snake grows when it eats."}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    Verdict
		wantErr bool
	}{
		{
			name:  "fenced",
			reply: "Review:\n```json\n{\"passed\": false, \"score\": 0.4, \"feedback\": \" snake never grows \"}\n```",
			want:  Verdict{Passed: false, Score: 0.4, Feedback: "snake never grows"},
		},
		{
			name:  "bare object",
			reply: `Verdict: {"passed": true, "score": 1}`,
			want:  Verdict{Passed: true, Score: 1},
		},
		{
			name:  "first valid block wins",
			reply: "```\nnot json\n```\n```json\n{\"passed\": true}\n```",
			want:  Verdict{Passed: true},
		},
		{name: "missing passed", reply: `{"score": 0.9}`, wantErr: true},
		{name: "prose", reply: "looks fine to me", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVerdict(tt.reply)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoVerdict)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompliance_PromptAndVerdict(t *testing.T) {
	m := &fakeModel{reply: "```json\n{\"passed\": false, \"score\": 0.2, \"feedback\": \"add growth\"}\n```"}
	gate := NewCompliance(m)
	s := writeSubject(t, "print('snake')\n")

	res, err := gate.CheckCompliance(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, evaluation.ComplianceResult{Passed: false, Score: 0.2, Feedback: "add growth"}, res)

	assert.Contains(t, m.prompt, "compliance")
	assert.Contains(t, m.prompt, "The snake grows when it eats.")
	assert.Contains(t, m.prompt, "print('snake')")
	assert.Contains(t, m.prompt, "revision 1")
}

func TestAlignment_UsesAlignmentRubric(t *testing.T) {
	m := &fakeModel{reply: `{"passed": true, "score": 0.9, "feedback": ""}`}
	gate := NewAlignment(m)

	res, err := gate.CheckAlignment(context.Background(), writeSubject(t, "x = 1\n"))
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.True(t, strings.Contains(m.prompt, "internally consistent"))
	assert.NotContains(t, m.prompt, "every requirement")
}

func TestJudge_Errors(t *testing.T) {
	t.Run("model failure", func(t *testing.T) {
		gate := NewCompliance(&fakeModel{err: errors.New("503")})
		_, err := gate.CheckCompliance(context.Background(), writeSubject(t, "x"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "compliance judge call failed")
	})

	t.Run("unparseable reply", func(t *testing.T) {
		gate := NewAlignment(&fakeModel{reply: "no idea"})
		_, err := gate.CheckAlignment(context.Background(), writeSubject(t, "x"))
		assert.ErrorIs(t, err, ErrNoVerdict)
	})

	t.Run("missing program", func(t *testing.T) {
		gate := NewCompliance(&fakeModel{reply: `{"passed": true}`})
		_, err := gate.CheckCompliance(context.Background(), evaluation.Subject{Path: filepath.Join(t.TempDir(), "absent.py")})
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestJudge_ScrubsProgram(t *testing.T) {
	s, err := secrets.NewScrubber("")
	require.NoError(t, err)

	const key = "sk-proj-abc123def456ghi789jkl012mno345pqr678stu901xyz"
	m := &fakeModel{reply: `{"passed": true}`}
	gate := NewCompliance(m, WithScrubber(s))

	_, err = gate.CheckCompliance(context.Background(), writeSubject(t, "const apiKey = \""+key+"\"\n"))
	require.NoError(t, err)
	assert.NotContains(t, m.prompt, key)
}
