// Package classify guesses the programming language and problem domain of a
// ticket from keyword hits in its text.
package classify

import (
	"strings"
	"unicode"
)

// General is returned when nothing matched.
const General = "general"

// DefaultLanguage is used for generation when no language was detected.
const DefaultLanguage = "python"

type keywordSet struct {
	name     string
	keywords []string
}

// order matters: ties go to the earlier entry
var languages = []keywordSet{
	{"python", []string{"python", "django", "flask", "fastapi", "pandas", "numpy", "pytest"}},
	{"go", []string{"golang", "goroutine", "gin", "fiber", "go module", "go.mod"}},
	{"javascript", []string{"javascript", "node", "nodejs", "react", "vue", "angular", "npm", "jest"}},
	{"typescript", []string{"typescript", "tsx", "deno"}},
	{"java", []string{"java", "spring", "maven", "gradle", "junit", "hibernate"}},
	{"rust", []string{"rust", "cargo", "tokio", "serde"}},
	{"sql", []string{"sql", "mysql", "postgres", "postgresql", "sqlite"}},
}

var domains = []keywordSet{
	{"web_frontend", []string{"frontend", "ui", "ux", "responsive", "css", "html"}},
	{"web_backend", []string{"backend", "api", "rest", "graphql", "endpoint", "microservice"}},
	{"data_science", []string{"data analysis", "machine learning", "ml", "statistics", "dataset"}},
	{"devops", []string{"devops", "ci/cd", "pipeline", "deployment", "infrastructure", "docker", "kubernetes"}},
	{"mobile", []string{"mobile", "ios", "android", "react native", "flutter"}},
	{"security", []string{"security", "authentication", "authorization", "encryption"}},
}

var extensions = map[string]string{
	"python":     ".py",
	"go":         ".go",
	"javascript": ".js",
	"typescript": ".ts",
	"java":       ".java",
	"rust":       ".rs",
	"sql":        ".sql",
}

// Result is the outcome of Detect. Confidence counts keyword hits.
type Result struct {
	Language           string
	Domain             string
	LanguageConfidence int
	DomainConfidence   int
}

// Detect scores every language and domain against text.
func Detect(text string) Result {
	lower := strings.ToLower(text)
	words := tokenize(lower)

	lang, langScore := best(languages, lower, words)
	domain, domainScore := best(domains, lower, words)
	return Result{Language: lang, Domain: domain, LanguageConfidence: langScore, DomainConfidence: domainScore}
}

// Extension returns the file extension used for generated code in lang.
func Extension(lang string) string {
	if ext, ok := extensions[lang]; ok {
		return ext
	}
	return ".txt"
}

func best(sets []keywordSet, lower string, words map[string]bool) (string, int) {
	name, top := General, 0
	for _, set := range sets {
		score := 0
		for _, kw := range set.keywords {
			if matches(kw, lower, words) {
				score++
			}
		}
		if score > top {
			name, top = set.name, score
		}
	}
	return name, top
}

// matches treats single words as whole tokens ("go" must not match
// "google") and multi-word or punctuated keywords as substrings.
func matches(kw, lower string, words map[string]bool) bool {
	if strings.IndexFunc(kw, isSeparator) >= 0 {
		return strings.Contains(lower, kw)
	}
	return words[kw]
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func tokenize(lower string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(lower, isSeparator) {
		words[w] = true
	}
	return words
}
