package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/voximetry/voximetry/internal/questionnaire"
)

// SurveyActions is what the built-in survey tools do to the running session.
// The session orchestrator implements it.
type SurveyActions interface {
	// RecordResponse stores a validated answer for a question.
	RecordResponse(ctx context.Context, questionID, value string) error

	// SkipQuestion marks a question as skipped.
	SkipQuestion(ctx context.Context, questionID, reason string) error

	// EndSurvey asks the session to wind down after the current turn.
	EndSurvey(ctx context.Context, reason string) error
}

// RegisterSurveyTools adds record_response, skip_question, and end_survey
// for the given questionnaire.
func RegisterSurveyTools(r *Registry, q *questionnaire.Questionnaire, actions SurveyActions) error {
	specs := []Tool{
		{
			Name:        "record_response",
			Description: "Record the participant's answer to a survey question. Call this as soon as the participant has answered.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question_id": map[string]any{
						"type":        "string",
						"description": "ID of the question being answered, from the bracketed list in your instructions.",
					},
					"value": map[string]any{
						"type":        "string",
						"description": "The participant's answer. For scale questions, the number. For yes/no questions, yes or no.",
					},
				},
				"required":             []string{"question_id", "value"},
				"additionalProperties": false,
			},
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				questionID, _ := args["question_id"].(string)
				value, _ := args["value"].(string)
				item, ok := q.Question(questionID)
				if !ok {
					return nil, fmt.Errorf("unknown question %q", questionID)
				}
				normalized, err := normalizeAnswer(item, value)
				if err != nil {
					return nil, err
				}
				if err := actions.RecordResponse(ctx, questionID, normalized); err != nil {
					return nil, err
				}
				return map[string]any{
					"status":      "recorded",
					"question_id": questionID,
				}, nil
			},
		},
		{
			Name:        "skip_question",
			Description: "Skip a survey question the participant declined or could not answer. Move on to the next question afterwards.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question_id": map[string]any{
						"type": "string",
					},
					"reason": map[string]any{
						"type":        "string",
						"description": "Short reason the question was skipped.",
					},
				},
				"required":             []string{"question_id"},
				"additionalProperties": false,
			},
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				questionID, _ := args["question_id"].(string)
				reason, _ := args["reason"].(string)
				if _, ok := q.Question(questionID); !ok {
					return nil, fmt.Errorf("unknown question %q", questionID)
				}
				if err := actions.SkipQuestion(ctx, questionID, reason); err != nil {
					return nil, err
				}
				return map[string]any{
					"status":      "skipped",
					"question_id": questionID,
				}, nil
			},
		},
		{
			Name:        "end_survey",
			Description: "End the survey. Call this after thanking the participant, once every question is answered or skipped, or when the participant asks to stop.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{
						"type":        "string",
						"description": "Why the survey is ending, e.g. completed or participant_request.",
					},
				},
				"additionalProperties": false,
			},
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				reason, _ := args["reason"].(string)
				if err := actions.EndSurvey(ctx, reason); err != nil {
					return nil, err
				}
				return map[string]any{"status": "ending"}, nil
			},
		},
	}

	for _, t := range specs {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// normalizeAnswer checks a raw answer against the question type and returns
// the canonical stored form.
func normalizeAnswer(q questionnaire.Question, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("question %q: empty answer", q.ID)
	}

	switch q.Type {
	case questionnaire.TypeScale:
		n, err := strconv.Atoi(value)
		if err != nil {
			return "", fmt.Errorf("question %q: answer %q is not a number", q.ID, value)
		}
		if n < q.Min || n > q.Max {
			return "", fmt.Errorf("question %q: answer %d is outside the %d-%d scale", q.ID, n, q.Min, q.Max)
		}
		return strconv.Itoa(n), nil
	case questionnaire.TypeYesNo:
		switch strings.ToLower(value) {
		case "yes", "y", "true":
			return "yes", nil
		case "no", "n", "false":
			return "no", nil
		}
		return "", fmt.Errorf("question %q: answer %q is not yes or no", q.ID, value)
	case questionnaire.TypeChoice:
		for _, c := range q.Choices {
			if strings.EqualFold(c, value) {
				return c, nil
			}
		}
		return "", fmt.Errorf("question %q: answer %q is not one of the choices", q.ID, value)
	default:
		return value, nil
	}
}
