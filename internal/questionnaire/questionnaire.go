// Package questionnaire loads survey definitions and the localized system
// prompts that steer the interviewer model.
//
// A questionnaire directory looks like:
//
//	surveys/
//	  csat-v2.yaml
//	  prompts/
//	    en/
//	      csat-v2.txt
//	    tr/
//	      csat-v2.txt
//
// Prompts resolve per language folder with fallback to the default language
// when the requested one has no file for the questionnaire.
package questionnaire

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// QuestionType constrains how an answer is interpreted.
type QuestionType string

const (
	TypeScale  QuestionType = "scale"  // numeric rating, e.g. 1-5
	TypeYesNo  QuestionType = "yesno"
	TypeText   QuestionType = "text"
	TypeChoice QuestionType = "choice"
)

// IsValid reports whether t is a recognised question type.
func (t QuestionType) IsValid() bool {
	switch t {
	case TypeScale, TypeYesNo, TypeText, TypeChoice:
		return true
	}
	return false
}

// Question is a single survey item.
type Question struct {
	// ID uniquely identifies the question within the questionnaire.
	ID string `yaml:"id"`

	// Text is what the interviewer asks.
	Text string `yaml:"text"`

	// Type selects the answer interpretation. Defaults to text.
	Type QuestionType `yaml:"type"`

	// Choices lists the accepted answers for choice questions.
	Choices []string `yaml:"choices"`

	// Min and Max bound scale questions. Both zero means the 1-5 default.
	Min int `yaml:"min"`
	Max int `yaml:"max"`

	// Required questions count toward the completion rate; optional ones
	// never mark a survey abandoned.
	Required bool `yaml:"required"`
}

// Questionnaire is one survey definition.
type Questionnaire struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`

	// EstimatedDuration is surfaced to clients when the session starts.
	EstimatedDuration time.Duration `yaml:"estimated_duration"`

	Questions []Question `yaml:"questions"`
}

// RequiredCount returns the number of required questions.
func (q *Questionnaire) RequiredCount() int {
	n := 0
	for _, item := range q.Questions {
		if item.Required {
			n++
		}
	}
	return n
}

// Question returns the question with the given ID, or false.
func (q *Questionnaire) Question(id string) (Question, bool) {
	for _, item := range q.Questions {
		if item.ID == id {
			return item, true
		}
	}
	return Question{}, false
}

// Parse decodes a questionnaire from r and validates it.
func Parse(r io.Reader) (*Questionnaire, error) {
	q := &Questionnaire{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(q); err != nil {
		return nil, fmt.Errorf("questionnaire: decode yaml: %w", err)
	}
	if err := validate(q); err != nil {
		return nil, err
	}
	return q, nil
}

func validate(q *Questionnaire) error {
	var errs []error
	if q.ID == "" {
		errs = append(errs, errors.New("questionnaire: id is required"))
	}
	if len(q.Questions) == 0 {
		errs = append(errs, fmt.Errorf("questionnaire %q: at least one question is required", q.ID))
	}
	seen := make(map[string]int, len(q.Questions))
	for i := range q.Questions {
		item := &q.Questions[i]
		prefix := fmt.Sprintf("questionnaire %q: questions[%d]", q.ID, i)
		if item.ID == "" {
			errs = append(errs, fmt.Errorf("%s: id is required", prefix))
		} else if prev, ok := seen[item.ID]; ok {
			errs = append(errs, fmt.Errorf("%s: id %q duplicates questions[%d]", prefix, item.ID, prev))
		} else {
			seen[item.ID] = i
		}
		if item.Text == "" {
			errs = append(errs, fmt.Errorf("%s: text is required", prefix))
		}
		if item.Type == "" {
			item.Type = TypeText
		}
		if !item.Type.IsValid() {
			errs = append(errs, fmt.Errorf("%s: type %q is invalid; valid values: scale, yesno, text, choice", prefix, item.Type))
		}
		if item.Type == TypeChoice && len(item.Choices) < 2 {
			errs = append(errs, fmt.Errorf("%s: choice questions need at least two choices", prefix))
		}
		if item.Type == TypeScale {
			if item.Min == 0 && item.Max == 0 {
				item.Min, item.Max = 1, 5
			}
			if item.Min >= item.Max {
				errs = append(errs, fmt.Errorf("%s: scale bounds [%d, %d] are invalid", prefix, item.Min, item.Max))
			}
		}
	}
	return errors.Join(errs...)
}

// Library holds all questionnaires and prompts loaded from a directory.
type Library struct {
	dir             string
	defaultLanguage string
	questionnaires  map[string]*Questionnaire
}

// LoadLibrary reads every *.yaml questionnaire in dir. Prompts are resolved
// lazily from dir/prompts.
func LoadLibrary(dir, defaultLanguage string) (*Library, error) {
	if defaultLanguage == "" {
		defaultLanguage = "en"
	}
	lib := &Library{
		dir:             dir,
		defaultLanguage: defaultLanguage,
		questionnaires:  make(map[string]*Questionnaire),
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("questionnaire: scan %q: %w", dir, err)
	}
	yml, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err != nil {
		return nil, fmt.Errorf("questionnaire: scan %q: %w", dir, err)
	}
	matches = append(matches, yml...)

	for _, path := range matches {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("questionnaire: open %q: %w", path, err)
		}
		q, perr := Parse(f)
		f.Close()
		if perr != nil {
			return nil, fmt.Errorf("questionnaire: %q: %w", path, perr)
		}
		if _, ok := lib.questionnaires[q.ID]; ok {
			return nil, fmt.Errorf("questionnaire: duplicate id %q in %q", q.ID, path)
		}
		lib.questionnaires[q.ID] = q
	}
	return lib, nil
}

// Get returns the questionnaire with the given ID.
func (l *Library) Get(id string) (*Questionnaire, error) {
	q, ok := l.questionnaires[id]
	if !ok {
		return nil, fmt.Errorf("questionnaire: %q not found", id)
	}
	return q, nil
}

// IDs lists the loaded questionnaire IDs.
func (l *Library) IDs() []string {
	out := make([]string, 0, len(l.questionnaires))
	for id := range l.questionnaires {
		out = append(out, id)
	}
	return out
}

// Prompt returns the system prompt for the questionnaire in the requested
// language, with the numbered question list appended. Unknown languages fall
// back to the library default.
func (l *Library) Prompt(questionnaireID, language string) (string, error) {
	q, err := l.Get(questionnaireID)
	if err != nil {
		return "", err
	}

	text, err := l.promptText(questionnaireID, normalizeLanguage(language))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(text))
	b.WriteString("\n\nQuestions:\n")
	for i, item := range q.Questions {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, item.ID, item.Text)
		if item.Type == TypeScale {
			fmt.Fprintf(&b, " (scale %d-%d)", item.Min, item.Max)
		}
		if item.Type == TypeChoice {
			fmt.Fprintf(&b, " (choices: %s)", strings.Join(item.Choices, ", "))
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// promptText resolves the prompt file with language fallback.
func (l *Library) promptText(questionnaireID, language string) (string, error) {
	for _, lang := range uniqueLanguages(language, l.defaultLanguage) {
		path := filepath.Join(l.dir, "prompts", lang, questionnaireID+".txt")
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("questionnaire: read prompt %q: %w", path, err)
		}
	}
	return "", fmt.Errorf("questionnaire: no prompt for %q in %q or fallback %q",
		questionnaireID, language, l.defaultLanguage)
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	// Region subtags collapse to the base language folder.
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

func uniqueLanguages(langs ...string) []string {
	out := make([]string, 0, len(langs))
	seen := make(map[string]bool, len(langs))
	for _, l := range langs {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
