// Package quarantine implements FlakeGuard's Quarantine Mutator (C8):
// pure source-text rewriting that inserts a skip annotation next to a
// named test. It never touches the filesystem or the network — every
// caller supplies the source text and receives the rewritten text back.
package quarantine

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Result is mutate(sourceText, testName, filePath)'s return value.
type Result struct {
	Modified bool
	Text     string
}

const marker = "Quarantined by FlakeGuard"

// Mutate dispatches on filePath's extension per spec.md §4.8. Unknown
// extensions are a no-op: Result.Modified is false and Text is the
// original source unchanged.
func Mutate(sourceText, testName, filePath string) Result {
	name := regexp.QuoteMeta(testName)
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".js", ".ts", ".jsx", ".tsx":
		return mutateJS(sourceText, name)
	case ".java":
		return mutateJava(sourceText, name)
	case ".py":
		return mutatePython(sourceText, name)
	case ".rb":
		return mutateRuby(sourceText, name)
	case ".cs":
		return mutateCSharp(sourceText, name)
	default:
		return Result{Modified: false, Text: sourceText}
	}
}

func alreadyQuarantined(sourceText string) bool {
	return strings.Contains(sourceText, marker)
}

func mutateJS(sourceText, name string) Result {
	if alreadyQuarantined(sourceText) {
		return Result{Modified: false, Text: sourceText}
	}
	re := regexp.MustCompile(`\b(describe|test|it)(\.\w+)?(\s*\(\s*["'` + "`" + `]` + name + `)`)
	if !re.MatchString(sourceText) {
		return Result{Modified: false, Text: sourceText}
	}
	rewritten := re.ReplaceAllString(sourceText, "${1}.skip${3}")
	rewritten = "// @flaky - " + marker + "\n" + rewritten
	return Result{Modified: true, Text: rewritten}
}

func mutateJava(sourceText, name string) Result {
	if alreadyQuarantined(sourceText) {
		return Result{Modified: false, Text: sourceText}
	}
	re := regexp.MustCompile(`(@Test\b[^\n]*\n(\s*)[^\n]*\bvoid\s+` + name + `\s*\()`)
	loc := re.FindStringSubmatchIndex(sourceText)
	if loc == nil {
		return Result{Modified: false, Text: sourceText}
	}
	indent := sourceText[loc[4]:loc[5]]
	annotation := fmt.Sprintf("%s@Disabled(\"%s\")\n", indent, marker)
	insertAt := loc[2]
	rewritten := sourceText[:insertAt] + annotation + sourceText[insertAt:]
	return Result{Modified: true, Text: rewritten}
}

func mutatePython(sourceText, name string) Result {
	if alreadyQuarantined(sourceText) {
		return Result{Modified: false, Text: sourceText}
	}
	re := regexp.MustCompile(`(?m)^(\s*)def\s+` + name + `\s*\(`)
	loc := re.FindStringSubmatchIndex(sourceText)
	if loc == nil {
		return Result{Modified: false, Text: sourceText}
	}
	indent := sourceText[loc[2]:loc[3]]
	annotation := fmt.Sprintf("%s@pytest.mark.skip(reason=\"%s\")\n", indent, marker)
	insertAt := loc[0]
	rewritten := sourceText[:insertAt] + annotation + sourceText[insertAt:]
	return Result{Modified: true, Text: rewritten}
}

func mutateRuby(sourceText, name string) Result {
	if alreadyQuarantined(sourceText) {
		return Result{Modified: false, Text: sourceText}
	}
	re := regexp.MustCompile(`\b(describe|context|it)(\s+["']` + name + `["'])`)
	if !re.MatchString(sourceText) {
		return Result{Modified: false, Text: sourceText}
	}
	rewritten := re.ReplaceAllString(sourceText, fmt.Sprintf(`${1}${2}, skip: "%s"`, marker))
	return Result{Modified: true, Text: rewritten}
}

func mutateCSharp(sourceText, name string) Result {
	if alreadyQuarantined(sourceText) {
		return Result{Modified: false, Text: sourceText}
	}
	re := regexp.MustCompile(`(?m)^(\s*)(?:public|private|protected|internal)?\s*\w+\s+` + name + `\s*\(`)
	loc := re.FindStringSubmatchIndex(sourceText)
	if loc == nil {
		return Result{Modified: false, Text: sourceText}
	}
	indent := sourceText[loc[2]:loc[3]]
	annotation := fmt.Sprintf("%s[Ignore(\"%s\")]\n", indent, marker)
	insertAt := loc[0]
	rewritten := sourceText[:insertAt] + annotation + sourceText[insertAt:]
	return Result{Modified: true, Text: rewritten}
}
