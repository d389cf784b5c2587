package rollback

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// DiffMode picks how a conflict is rendered for humans
type DiffMode string

const (
	DiffModeJSON     DiffMode = "json"
	DiffModeLine     DiffMode = "line"
	DiffModeWord     DiffMode = "word"
	DiffModeChar     DiffMode = "char"
	DiffModeSemantic DiffMode = "semantic"
)

// Strings at or above this length diff by word instead of by character.
const longStringThreshold = 40

// DiffLineType classifies one rendered diff line or token
type DiffLineType string

const (
	DiffLineAdded    DiffLineType = "added"
	DiffLineRemoved  DiffLineType = "removed"
	DiffLineModified DiffLineType = "modified"
	DiffLineContext  DiffLineType = "context"
)

// TokenDiff is one word or character run inside a modified line
type TokenDiff struct {
	Type DiffLineType `json:"type"`
	Text string       `json:"text"`
}

// DiffLine is one line of a visual conflict diff. Modified lines carry the
// new content plus token-level detail when the mode supports it.
type DiffLine struct {
	Type       DiffLineType `json:"type"`
	LineNumber int          `json:"lineNumber"`
	Content    string       `json:"content"`
	Tokens     []TokenDiff  `json:"tokens,omitempty"`
}

// ConflictSeverity grades how risky an automatic resolution would be
type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

// VisualDiff is a human-reviewable rendering of one conflict, read in the
// current-to-rollback direction: removed lines exist only in the live
// value, added lines only in the rollback target.
type VisualDiff struct {
	Mode           DiffMode         `json:"mode"`
	Lines          []DiffLine       `json:"lines"`
	Similarity     float64          `json:"similarity"` // 0..100
	Severity       ConflictSeverity `json:"severity"`
	AutoResolvable bool             `json:"autoResolvable"`
	Changes        int              `json:"changes"`
}

// MergeOptions tunes one resolution
type MergeOptions struct {
	PreferNewer       bool
	PreserveStructure bool
	Policy            config.ConflictPolicy
}

// MergeResult is the outcome of resolving one conflict. Success means the
// merged value is safe to apply without human review.
type MergeResult struct {
	Success    bool     `json:"success"`
	Strategy   string   `json:"strategy"` // merge|overwrite|skip|ask_user
	Merged     any      `json:"merged,omitempty"`
	Confidence int      `json:"confidence"` // 0..100
	Discarded  []string `json:"discarded,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// ConflictResolver merges diverged values and renders conflicts for
// review. Objects merge additively and recursively, strings merge by
// line, arrays keep the preferred side whole, and everything else picks
// a side. Confidence drops five points per discarded leaf, and results
// below 70 are not auto-applied.
type ConflictResolver struct {
	maxComplexity float64
	preferNewer   bool
	engine        *DiffEngine
}

// NewConflictResolver builds a resolver sharing the given diff engine's
// equality rules. A nil engine gets a default one.
func NewConflictResolver(cfg *config.RollbackConfig, engine *DiffEngine) *ConflictResolver {
	if engine == nil {
		engine = NewDiffEngine(cfg)
	}
	return &ConflictResolver{
		maxComplexity: cfg.MaxMergeComplexity,
		preferNewer:   cfg.PreferNewer,
		engine:        engine,
	}
}

// DefaultOptions seeds merge options from configuration for the given
// policy.
func (r *ConflictResolver) DefaultOptions(policy config.ConflictPolicy) MergeOptions {
	return MergeOptions{PreferNewer: r.preferNewer, Policy: policy}
}

// Resolve merges one conflict under the given options. Overwrite and skip
// short-circuit with full confidence; merge estimates complexity first and
// defers to the user when it exceeds the configured ceiling.
func (r *ConflictResolver) Resolve(conflict models.Conflict, opts MergeOptions) MergeResult {
	switch opts.Policy {
	case config.ConflictPolicyOverwrite:
		return MergeResult{
			Success:    true,
			Strategy:   "overwrite",
			Merged:     deepClone(conflict.RollbackValue),
			Confidence: 100,
		}
	case config.ConflictPolicySkip:
		return MergeResult{
			Success:    true,
			Strategy:   "skip",
			Merged:     deepClone(conflict.CurrentValue),
			Confidence: 100,
		}
	}

	complexity := r.Complexity(conflict)
	if complexity > r.maxComplexity {
		return MergeResult{
			Strategy:   "ask_user",
			Confidence: 0,
			Reason:     fmt.Sprintf("merge complexity %.0f exceeds ceiling %.0f", complexity, r.maxComplexity),
		}
	}

	merged, discarded := r.mergeValues(conflict.Path, conflict.CurrentValue, conflict.RollbackValue, opts.PreferNewer)
	confidence := 100 - 5*len(discarded)
	if confidence < 0 {
		confidence = 0
	}
	return MergeResult{
		Success:    confidence >= 70,
		Strategy:   "merge",
		Merged:     merged,
		Confidence: confidence,
		Discarded:  discarded,
	}
}

// ResolveBatch resolves conflicts grouped by their top path segment so
// related entries are handled together, keyed by full path.
func (r *ConflictResolver) ResolveBatch(conflicts []models.Conflict, opts MergeOptions) map[string]MergeResult {
	ordered := make([]models.Conflict, len(conflicts))
	copy(ordered, conflicts)
	sort.SliceStable(ordered, func(i, j int) bool {
		gi, gj := topSegment(ordered[i].Path), topSegment(ordered[j].Path)
		if gi != gj {
			return gi < gj
		}
		return ordered[i].Path < ordered[j].Path
	})

	out := make(map[string]MergeResult, len(ordered))
	for _, c := range ordered {
		out[c.Path] = r.Resolve(c, opts)
	}
	return out
}

// Complexity scores how hard a conflict is to merge automatically: a base
// per conflict type, plus payload size, plus five points per object key.
func (r *ConflictResolver) Complexity(conflict models.Conflict) float64 {
	var base float64
	switch conflict.Type {
	case models.ConflictTypeValueMismatch:
		base = 10
	case models.ConflictTypeTypeMismatch:
		base = 50
	case models.ConflictTypeDependencyConflict:
		base = 100
	default:
		base = 25
	}

	size := payloadSize(conflict.CurrentValue)
	if s := payloadSize(conflict.RollbackValue); s > size {
		size = s
	}
	score := base + float64(size)/100

	keys := make(map[string]struct{})
	if m, ok := asObject(conflict.CurrentValue); ok {
		for k := range m {
			keys[k] = struct{}{}
		}
	}
	if m, ok := asObject(conflict.RollbackValue); ok {
		for k := range m {
			keys[k] = struct{}{}
		}
	}
	return score + 5*float64(len(keys))
}

func payloadSize(v any) int {
	raw, err := canonicalJSON(v)
	if err != nil {
		return len(fmt.Sprintf("%v", v))
	}
	return len(raw)
}

// mergeValues merges one current/rollback pair, returning the merged value
// and the paths whose losing side was discarded.
func (r *ConflictResolver) mergeValues(path string, current, rollback any, preferNewer bool) (any, []string) {
	if r.engine.DeepEquals(current, rollback) {
		return deepClone(current), nil
	}

	cm, curObj := asObject(current)
	rm, rbObj := asObject(rollback)
	if curObj && rbObj {
		return r.mergeObjects(path, cm, rm, preferNewer)
	}

	cs, curStr := current.(string)
	rs, rbStr := rollback.(string)
	if curStr && rbStr {
		return r.mergeStrings(path, cs, rs, preferNewer)
	}

	ca, curArr := asArray(current)
	ra, rbArr := asArray(rollback)
	if curArr && rbArr {
		return r.mergeArrays(path, ca, ra, preferNewer)
	}

	// scalars and mixed types pick a side
	if preferNewer {
		return deepClone(current), []string{path}
	}
	return deepClone(rollback), []string{path}
}

// mergeArrays keeps the preferred side whole. The losing side only counts
// as discarded when it holds elements the winner does not; a winner that
// absorbs the loser costs no confidence.
func (r *ConflictResolver) mergeArrays(path string, current, rollback []any, preferNewer bool) (any, []string) {
	winner, loser := current, rollback
	if !preferNewer {
		winner, loser = rollback, current
	}
	for _, lv := range loser {
		found := false
		for _, wv := range winner {
			if r.engine.DeepEquals(wv, lv) {
				found = true
				break
			}
		}
		if !found {
			return deepClone(winner), []string{path}
		}
	}
	return deepClone(winner), nil
}

// mergeObjects is additive: keys present on only one side survive, shared
// objects recurse, and diverged leaves go to the preferred side with the
// loser recorded.
func (r *ConflictResolver) mergeObjects(path string, current, rollback map[string]any, preferNewer bool) (any, []string) {
	out := make(map[string]any, len(current)+len(rollback))
	for k, v := range current {
		out[k] = deepClone(v)
	}

	keys := make([]string, 0, len(rollback))
	for k := range rollback {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var discarded []string
	for _, k := range keys {
		childPath := joinKey(path, k)
		rv := rollback[k]
		cv, inCurrent := current[k]
		if !inCurrent {
			out[k] = deepClone(rv)
			continue
		}
		merged, lost := r.mergeValues(childPath, cv, rv, preferNewer)
		out[k] = merged
		discarded = append(discarded, lost...)
	}
	return out, discarded
}

// mergeStrings keeps the preferred side's text and counts every line that
// exists only on the losing side as discarded.
func (r *ConflictResolver) mergeStrings(path string, current, rollback string, preferNewer bool) (any, []string) {
	curLines := strings.Split(current, "\n")
	rbLines := strings.Split(rollback, "\n")

	var discarded []string
	if preferNewer {
		for _, line := range onlyIn(rbLines, curLines) {
			discarded = append(discarded, fmt.Sprintf("%s: %q", path, line))
		}
		return current, discarded
	}
	for _, line := range onlyIn(curLines, rbLines) {
		discarded = append(discarded, fmt.Sprintf("%s: %q", path, line))
	}
	return rollback, discarded
}

// onlyIn returns the lines of a that the LCS against b does not keep
func onlyIn(a, b []string) []string {
	dp := lcsTable(a, b)
	var out []string
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			out = append(out, a[i])
			i++
		default:
			j++
		}
	}
	out = append(out, a[i:]...)
	return out
}

// Visualize renders one conflict as a reviewable diff and grades it
func (r *ConflictResolver) Visualize(conflict models.Conflict) VisualDiff {
	mode := chooseMode(conflict.CurrentValue, conflict.RollbackValue)
	oldLines := renderLines(conflict.CurrentValue, mode)
	newLines := renderLines(conflict.RollbackValue, mode)

	var tokens tokenizer
	switch mode {
	case DiffModeWord:
		tokens = splitWords
	case DiffModeChar:
		tokens = splitChars
	}
	lines := diffRenderedLines(oldLines, newLines, tokens)

	changes := 0
	unchanged := 0
	for _, l := range lines {
		if l.Type == DiffLineContext {
			unchanged++
		} else {
			changes++
		}
	}
	similarity := 100.0
	if len(lines) > 0 {
		similarity = 100 * float64(unchanged) / float64(len(lines))
	}

	severity := gradeSeverity(conflict.Type, similarity)
	return VisualDiff{
		Mode:           mode,
		Lines:          lines,
		Similarity:     similarity,
		Severity:       severity,
		AutoResolvable: severity != SeverityCritical && similarity > 50 && changes < 20,
		Changes:        changes,
	}
}

func gradeSeverity(t models.ConflictType, similarity float64) ConflictSeverity {
	if t == models.ConflictTypeTypeMismatch {
		return SeverityHigh
	}
	switch {
	case similarity < 30:
		return SeverityCritical
	case similarity < 60:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// chooseMode picks the rendering: structured values diff as flattened
// JSON, multi-line strings by line, long strings by word, short strings by
// character, and mixed or opaque values semantically as one-line JSON.
func chooseMode(current, rollback any) DiffMode {
	_, curObj := asObject(current)
	_, rbObj := asObject(rollback)
	if !curObj {
		_, curObj = asArray(current)
	}
	if !rbObj {
		_, rbObj = asArray(rollback)
	}
	if curObj && rbObj {
		return DiffModeJSON
	}

	cs, curStr := current.(string)
	rs, rbStr := rollback.(string)
	if curStr && rbStr {
		if strings.Contains(cs, "\n") || strings.Contains(rs, "\n") {
			return DiffModeLine
		}
		if len(cs) >= longStringThreshold && len(rs) >= longStringThreshold {
			return DiffModeWord
		}
		return DiffModeChar
	}
	return DiffModeSemantic
}

// renderLines turns a value into the lines the chosen mode diffs over
func renderLines(v any, mode DiffMode) []string {
	switch mode {
	case DiffModeJSON:
		return flattenLines(v)
	case DiffModeLine:
		s, _ := v.(string)
		return strings.Split(s, "\n")
	case DiffModeWord, DiffModeChar:
		s, _ := v.(string)
		return []string{s}
	default:
		return []string{jsonOneLine(v)}
	}
}

// flattenLines renders a structured value as sorted "path: value" lines so
// nested differences surface as individual line changes.
func flattenLines(v any) []string {
	flat := make(map[string]string)
	flattenInto("", v, flat)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + ": " + flat[k]
	}
	return lines
}

func flattenInto(path string, v any, out map[string]string) {
	if m, ok := asObject(v); ok && len(m) > 0 {
		for k, child := range m {
			flattenInto(joinKey(path, k), child, out)
		}
		return
	}
	if a, ok := asArray(v); ok && len(a) > 0 {
		for i, child := range a {
			flattenInto(joinIndex(path, i), child, out)
		}
		return
	}
	key := path
	if key == "" {
		key = "(root)"
	}
	out[key] = jsonOneLine(v)
}

func jsonOneLine(v any) string {
	raw, err := canonicalJSON(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

type tokenizer func(s string) []string

func splitWords(s string) []string {
	return strings.Fields(s)
}

func splitChars(s string) []string {
	runes := []rune(s)
	out := make([]string, len(runes))
	for i, r := range runes {
		out[i] = string(r)
	}
	return out
}

// diffRenderedLines line-diffs two renderings via LCS and folds paired
// remove/add runs into modified lines, with token detail when a tokenizer
// is supplied.
func diffRenderedLines(oldLines, newLines []string, tokens tokenizer) []DiffLine {
	dp := lcsTable(oldLines, newLines)

	type rawOp struct {
		kind DiffLineType
		text string
	}
	var ops []rawOp
	i, j := 0, 0
	for i < len(oldLines) && j < len(newLines) {
		switch {
		case oldLines[i] == newLines[j]:
			ops = append(ops, rawOp{DiffLineContext, oldLines[i]})
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			ops = append(ops, rawOp{DiffLineRemoved, oldLines[i]})
			i++
		default:
			ops = append(ops, rawOp{DiffLineAdded, newLines[j]})
			j++
		}
	}
	for ; i < len(oldLines); i++ {
		ops = append(ops, rawOp{DiffLineRemoved, oldLines[i]})
	}
	for ; j < len(newLines); j++ {
		ops = append(ops, rawOp{DiffLineAdded, newLines[j]})
	}

	var lines []DiffLine
	number := 0
	emit := func(kind DiffLineType, content string, toks []TokenDiff) {
		number++
		lines = append(lines, DiffLine{Type: kind, LineNumber: number, Content: content, Tokens: toks})
	}

	for k := 0; k < len(ops); {
		if ops[k].kind != DiffLineRemoved {
			emit(ops[k].kind, ops[k].text, nil)
			k++
			continue
		}
		// pair a removed run with the added run that follows it
		var removed, added []string
		for k < len(ops) && ops[k].kind == DiffLineRemoved {
			removed = append(removed, ops[k].text)
			k++
		}
		for k < len(ops) && ops[k].kind == DiffLineAdded {
			added = append(added, ops[k].text)
			k++
		}
		pairs := len(removed)
		if len(added) < pairs {
			pairs = len(added)
		}
		for p := 0; p < pairs; p++ {
			var toks []TokenDiff
			if tokens != nil {
				toks = diffTokens(tokens(removed[p]), tokens(added[p]))
			}
			emit(DiffLineModified, added[p], toks)
		}
		for p := pairs; p < len(removed); p++ {
			emit(DiffLineRemoved, removed[p], nil)
		}
		for p := pairs; p < len(added); p++ {
			emit(DiffLineAdded, added[p], nil)
		}
	}
	return lines
}

func diffTokens(oldToks, newToks []string) []TokenDiff {
	dp := lcsTable(oldToks, newToks)
	var out []TokenDiff
	i, j := 0, 0
	for i < len(oldToks) && j < len(newToks) {
		switch {
		case oldToks[i] == newToks[j]:
			out = append(out, TokenDiff{DiffLineContext, oldToks[i]})
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			out = append(out, TokenDiff{DiffLineRemoved, oldToks[i]})
			i++
		default:
			out = append(out, TokenDiff{DiffLineAdded, newToks[j]})
			j++
		}
	}
	for ; i < len(oldToks); i++ {
		out = append(out, TokenDiff{DiffLineRemoved, oldToks[i]})
	}
	for ; j < len(newToks); j++ {
		out = append(out, TokenDiff{DiffLineAdded, newToks[j]})
	}
	return out
}

// lcsTable builds the longest-common-subsequence length table used by the
// line and token diffs.
func lcsTable(a, b []string) [][]int {
	dp := make([][]int, len(a)+1)
	for i := range dp {
		dp[i] = make([]int, len(b)+1)
	}
	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			if a[i] == b[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}
	return dp
}

// typeName is the reported type in type-mismatch conflicts
func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}

func topSegment(path string) string {
	if cut := strings.IndexAny(path, ".["); cut >= 0 {
		return path[:cut]
	}
	return path
}
