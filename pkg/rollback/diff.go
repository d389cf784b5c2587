package rollback

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
)

// ChangeOp is one structural diff operation
type ChangeOp string

const (
	ChangeCreate ChangeOp = "CREATE"
	ChangeUpdate ChangeOp = "UPDATE"
	ChangeDelete ChangeOp = "DELETE"
	ChangeMove   ChangeOp = "MOVE"
)

// applyRank orders operations for Apply: deletes clear the way, then
// updates, then moves, then creates.
func (op ChangeOp) applyRank() int {
	switch op {
	case ChangeDelete:
		return 0
	case ChangeUpdate:
		return 1
	case ChangeMove:
		return 2
	case ChangeCreate:
		return 3
	default:
		return 4
	}
}

// Change is one entry in a structural diff. Paths are dotted with [n]
// index segments, e.g. "entity:auth.settings.flags[2]". FromPath is only
// set for MOVE. Timestamp, when known, drives time-based filtering.
type Change struct {
	Op        ChangeOp       `json:"op"`
	Path      string         `json:"path"`
	FromPath  string         `json:"fromPath,omitempty"`
	OldValue  any            `json:"oldValue,omitempty"`
	NewValue  any            `json:"newValue,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// DiffSummary aggregates a diff for operators
type DiffSummary struct {
	Total      int              `json:"total"`
	ByOp       map[ChangeOp]int `json:"byOp"`
	Complexity string           `json:"complexity"` // low|medium|high
}

// Comparator overrides structural equality for values of one type.
// Register under the reflect type string (e.g. "time.Time") or "*" for a
// catch-all.
type Comparator func(a, b any) bool

// DiffEngine computes structural diffs, applies them, and decides deep
// equality. Properties in ignore never contribute changes.
type DiffEngine struct {
	maxDepth    int
	ignore      map[string]struct{}
	comparators map[string]Comparator
}

// defaultIgnoredProperties are bookkeeping keys that change on every write
// and would otherwise pollute every diff.
var defaultIgnoredProperties = []string{"__timestamp", "__version", "__metadata"}

// NewDiffEngine creates an engine with the default ignore set and the
// configured recursion cap.
func NewDiffEngine(cfg *config.RollbackConfig) *DiffEngine {
	maxDepth := cfg.MaxDiffDepth
	if maxDepth <= 0 {
		maxDepth = 10
	}
	ignore := make(map[string]struct{}, len(defaultIgnoredProperties))
	for _, p := range defaultIgnoredProperties {
		ignore[p] = struct{}{}
	}
	return &DiffEngine{
		maxDepth:    maxDepth,
		ignore:      ignore,
		comparators: make(map[string]Comparator),
	}
}

// IgnoreProperty adds a key that diffing and equality skip everywhere
func (e *DiffEngine) IgnoreProperty(name string) {
	e.ignore[name] = struct{}{}
}

// RegisterComparator installs a custom equality check for one type name,
// or for every type under "*".
func (e *DiffEngine) RegisterComparator(typeName string, cmp Comparator) {
	e.comparators[typeName] = cmp
}

// Diff returns the changes that turn source into target. Applying the
// result to source yields target under DeepEquals.
func (e *DiffEngine) Diff(source, target any) []Change {
	var changes []Change
	e.diffValue("", source, target, 0, &changes)
	return changes
}

func (e *DiffEngine) diffValue(path string, src, dst any, depth int, out *[]Change) {
	if e.DeepEquals(src, dst) {
		return
	}
	if src == nil {
		*out = append(*out, Change{Op: ChangeCreate, Path: path, NewValue: deepClone(dst)})
		return
	}
	if dst == nil {
		*out = append(*out, Change{Op: ChangeDelete, Path: path, OldValue: deepClone(src)})
		return
	}

	if depth < e.maxDepth {
		if srcObj, ok := asObject(src); ok {
			if dstObj, ok := asObject(dst); ok {
				e.diffObjects(path, srcObj, dstObj, depth, out)
				return
			}
		}
		if srcArr, ok := asArray(src); ok {
			if dstArr, ok := asArray(dst); ok {
				e.diffArrays(path, srcArr, dstArr, depth, out)
				return
			}
		}
	}

	// leaves, type changes, and depth-capped containers update atomically
	*out = append(*out, Change{Op: ChangeUpdate, Path: path, OldValue: deepClone(src), NewValue: deepClone(dst)})
}

func (e *DiffEngine) diffObjects(path string, src, dst map[string]any, depth int, out *[]Change) {
	keys := make([]string, 0, len(src)+len(dst))
	seen := make(map[string]struct{}, len(src)+len(dst))
	for k := range src {
		keys = append(keys, k)
		seen[k] = struct{}{}
	}
	for k := range dst {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, ignored := e.ignore[k]; ignored {
			continue
		}
		childPath := joinKey(path, k)
		sv, inSrc := src[k]
		dv, inDst := dst[k]
		switch {
		case !inSrc:
			*out = append(*out, Change{Op: ChangeCreate, Path: childPath, NewValue: deepClone(dv)})
		case !inDst:
			*out = append(*out, Change{Op: ChangeDelete, Path: childPath, OldValue: deepClone(sv)})
		default:
			e.diffValue(childPath, sv, dv, depth+1, out)
		}
	}
}

func (e *DiffEngine) diffArrays(path string, src, dst []any, depth int, out *[]Change) {
	n := len(src)
	if len(dst) > n {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		childPath := joinIndex(path, i)
		switch {
		case i >= len(src):
			*out = append(*out, Change{Op: ChangeCreate, Path: childPath, NewValue: deepClone(dst[i])})
		case i >= len(dst):
			*out = append(*out, Change{Op: ChangeDelete, Path: childPath, OldValue: deepClone(src[i])})
		default:
			e.diffValue(childPath, src[i], dst[i], depth+1, out)
		}
	}
}

// Apply replays changes onto a deep clone of source and returns the
// result. Deletes run first in deepest-index-first order so positional
// removals never shift each other, then updates, moves, and creates.
func (e *DiffEngine) Apply(source any, changes []Change) (any, error) {
	result := deepClone(source)
	for _, ch := range sortForApply(changes) {
		var err error
		switch ch.Op {
		case ChangeDelete:
			result, err = deletePath(result, ch.Path)
		case ChangeUpdate, ChangeCreate:
			result, err = setPath(result, ch.Path, deepClone(ch.NewValue))
		case ChangeMove:
			var moved any
			moved, err = movePath(result, ch)
			if err == nil {
				result = moved
			}
		default:
			err = fmt.Errorf("unknown operation %q", ch.Op)
		}
		if err != nil {
			return nil, NewValidationError("cannot apply %s at %q: %v", ch.Op, ch.Path, err)
		}
	}
	return result, nil
}

func movePath(root any, ch Change) (any, error) {
	if ch.FromPath == "" {
		return nil, fmt.Errorf("move without fromPath")
	}
	v, ok := getPath(root, ch.FromPath)
	if !ok {
		return nil, fmt.Errorf("source path %q not found", ch.FromPath)
	}
	root, err := deletePath(root, ch.FromPath)
	if err != nil {
		return nil, err
	}
	return setPath(root, ch.Path, v)
}

// DeepEquals reports structural equality, honoring registered comparators
// and skipping ignored properties. Numbers compare by value across int and
// float representations; times compare by epoch.
func (e *DiffEngine) DeepEquals(a, b any) bool {
	return deepEqualValues(a, b, e.ignore, e.comparators)
}

func deepEqualValues(a, b any, ignore map[string]struct{}, comparators map[string]Comparator) bool {
	if len(comparators) > 0 && a != nil && b != nil {
		if cmp := comparatorFor(a, b, comparators); cmp != nil {
			return cmp(a, b)
		}
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	if am, ok := asObject(a); ok {
		bm, ok := asObject(b)
		if !ok {
			return false
		}
		if countedKeys(am, ignore) != countedKeys(bm, ignore) {
			return false
		}
		for k, av := range am {
			if _, skip := ignore[k]; skip {
				continue
			}
			bv, ok := bm[k]
			if !ok || !deepEqualValues(av, bv, ignore, comparators) {
				return false
			}
		}
		return true
	}
	if aa, ok := asArray(a); ok {
		ba, ok := asArray(b)
		if !ok || len(aa) != len(ba) {
			return false
		}
		for i := range aa {
			if !deepEqualValues(aa[i], ba[i], ignore, comparators) {
				return false
			}
		}
		return true
	}
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func comparatorFor(a, b any, comparators map[string]Comparator) Comparator {
	name := reflect.TypeOf(a).String()
	if cmp, ok := comparators[name]; ok && reflect.TypeOf(b).String() == name {
		return cmp
	}
	return comparators["*"]
}

func countedKeys(m map[string]any, ignore map[string]struct{}) int {
	n := 0
	for k := range m {
		if _, skip := ignore[k]; !skip {
			n++
		}
	}
	return n
}

// Summarize counts a diff by operation and bands its complexity
func (e *DiffEngine) Summarize(changes []Change) DiffSummary {
	s := DiffSummary{Total: len(changes), ByOp: make(map[ChangeOp]int)}
	for _, ch := range changes {
		s.ByOp[ch.Op]++
	}
	switch {
	case s.Total <= 20:
		s.Complexity = "low"
	case s.Total <= 100:
		s.Complexity = "medium"
	default:
		s.Complexity = "high"
	}
	return s
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Map:
		return map[string]any(m), true
	default:
		return nil, false
	}
}

func asArray(v any) ([]any, bool) {
	switch a := v.(type) {
	case []any:
		return a, true
	case Set:
		return []any(a), true
	default:
		return nil, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func joinKey(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func joinIndex(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}

// pathSegment is one step in a dotted path: either a map key or an array
// index.
type pathSegment struct {
	key     string
	index   int
	isIndex bool
}

func parsePath(path string) ([]pathSegment, error) {
	var segs []pathSegment
	i := 0
	for i < len(path) {
		switch path[i] {
		case '.':
			i++
			if i >= len(path) || path[i] == '.' || path[i] == '[' {
				return nil, fmt.Errorf("empty segment in path %q", path)
			}
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unclosed index in path %q", path)
			}
			idx, err := strconv.Atoi(path[i+1 : i+end])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("bad index in path %q", path)
			}
			segs = append(segs, pathSegment{index: idx, isIndex: true})
			i += end + 1
		default:
			j := i
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			segs = append(segs, pathSegment{key: path[i:j]})
			i = j
		}
	}
	return segs, nil
}

func getPath(root any, path string) (any, bool) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, false
	}
	node := root
	for _, seg := range segs {
		if seg.isIndex {
			arr, ok := asArray(node)
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			node = arr[seg.index]
			continue
		}
		m, ok := asObject(node)
		if !ok {
			return nil, false
		}
		node, ok = m[seg.key]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

func setPath(root any, path string, v any) (any, error) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	return setSegments(root, segs, v)
}

// setSegments writes v at the segment path, creating intermediate maps and
// extending arrays with nils as needed. Map and Set inputs keep their
// types on the way back out.
func setSegments(node any, segs []pathSegment, v any) (any, error) {
	if len(segs) == 0 {
		return v, nil
	}
	seg := segs[0]

	if seg.isIndex {
		arr, wasSet, err := sliceOf(node)
		if err != nil {
			return nil, err
		}
		for len(arr) <= seg.index {
			arr = append(arr, nil)
		}
		if len(segs) == 1 {
			arr[seg.index] = v
		} else {
			child, err := setSegments(arr[seg.index], segs[1:], v)
			if err != nil {
				return nil, err
			}
			arr[seg.index] = child
		}
		if wasSet {
			return Set(arr), nil
		}
		return arr, nil
	}

	m, wasMap, err := mapOf(node)
	if err != nil {
		return nil, err
	}
	if len(segs) == 1 {
		m[seg.key] = v
	} else {
		child, err := setSegments(m[seg.key], segs[1:], v)
		if err != nil {
			return nil, err
		}
		m[seg.key] = child
	}
	if wasMap {
		return Map(m), nil
	}
	return m, nil
}

func deletePath(root any, path string) (any, error) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, nil
	}
	return deleteSegments(root, segs)
}

// deleteSegments removes the value at the segment path. Missing targets
// are a no-op so deletes stay idempotent. Array deletes splice.
func deleteSegments(node any, segs []pathSegment) (any, error) {
	seg := segs[0]

	if seg.isIndex {
		arr, wasSet, err := sliceOf(node)
		if err != nil || seg.index >= len(arr) {
			return node, nil
		}
		if len(segs) == 1 {
			arr = append(arr[:seg.index], arr[seg.index+1:]...)
		} else {
			child, err := deleteSegments(arr[seg.index], segs[1:])
			if err != nil {
				return nil, err
			}
			arr[seg.index] = child
		}
		if wasSet {
			return Set(arr), nil
		}
		return arr, nil
	}

	m, wasMap, err := mapOf(node)
	if err != nil {
		return node, nil
	}
	if _, ok := m[seg.key]; !ok {
		return node, nil
	}
	if len(segs) == 1 {
		delete(m, seg.key)
	} else {
		child, err := deleteSegments(m[seg.key], segs[1:])
		if err != nil {
			return nil, err
		}
		m[seg.key] = child
	}
	if wasMap {
		return Map(m), nil
	}
	return m, nil
}

func sliceOf(node any) ([]any, bool, error) {
	switch t := node.(type) {
	case nil:
		return []any{}, false, nil
	case []any:
		return t, false, nil
	case Set:
		return []any(t), true, nil
	default:
		return nil, false, fmt.Errorf("cannot index into %T", node)
	}
}

func mapOf(node any) (map[string]any, bool, error) {
	switch t := node.(type) {
	case nil:
		return map[string]any{}, false, nil
	case map[string]any:
		return t, false, nil
	case Map:
		return map[string]any(t), true, nil
	default:
		return nil, false, fmt.Errorf("cannot descend into %T", node)
	}
}

// sortForApply orders changes by operation rank; within deletes deeper
// paths and higher indexes go first so earlier removals cannot shift later
// ones, and creates go shallow-first so parents exist before children.
func sortForApply(changes []Change) []Change {
	out := make([]Change, len(changes))
	copy(out, changes)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Op.applyRank(), out[j].Op.applyRank()
		if ri != rj {
			return ri < rj
		}
		switch out[i].Op {
		case ChangeDelete:
			return pathLess(out[j].Path, out[i].Path)
		case ChangeCreate:
			return pathLess(out[i].Path, out[j].Path)
		default:
			return false
		}
	})
	return out
}

// pathLess compares paths segment-wise with numeric index ordering, so
// "a[9]" sorts before "a[10]".
func pathLess(a, b string) bool {
	as, errA := parsePath(a)
	bs, errB := parsePath(b)
	if errA != nil || errB != nil {
		return a < b
	}
	for i := 0; i < len(as) && i < len(bs); i++ {
		sa, sb := as[i], bs[i]
		if sa.isIndex != sb.isIndex {
			return !sa.isIndex
		}
		if sa.isIndex {
			if sa.index != sb.index {
				return sa.index < sb.index
			}
			continue
		}
		if sa.key != sb.key {
			return sa.key < sb.key
		}
	}
	return len(as) < len(bs)
}
