// Package analyzer scores request complexity to decide whether a local model
// can serve it or it should go to a cloud provider.
package analyzer

import (
	"context"
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/relayproxy/relay/internal/canonical"
	"github.com/relayproxy/relay/internal/config"
)

// Recommendation is where the analyzer wants the request served.
type Recommendation string

const (
	RecommendLocal Recommendation = "local"
	RecommendCloud Recommendation = "cloud"
)

// Classification buckets a request for smart tool selection.
type Classification string

const (
	ClassConversational Classification = "conversational"
	ClassFileReading    Classification = "file_reading"
	ClassFileEditing    Classification = "file_editing"
	ClassSearch         Classification = "search"
	ClassComplexTask    Classification = "complex_task"
)

// Result carries the total score, the per-subscore breakdown, and the
// routing recommendation. The router is the sole consumer.
type Result struct {
	Score          int            `json:"score"`
	TokenScore     int            `json:"token_score"`
	ToolScore      int            `json:"tool_score"`
	TaskScore      int            `json:"task_score"`
	CodeScore      int            `json:"code_score"`
	ReasonScore    int            `json:"reason_score"`
	LengthBonus    int            `json:"length_bonus"`
	EmbeddingAdj   *int           `json:"embedding_adj,omitempty"`
	Mode           config.RoutingMode `json:"mode"`
	Threshold      int            `json:"threshold"`
	Recommendation Recommendation `json:"recommendation"`
	Forced         bool           `json:"forced"`
	Classification Classification `json:"classification"`
}

// Embedder computes text embeddings. Optional; a nil Embedder disables the
// similarity adjustment.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Analyzer scores canonical requests.
type Analyzer struct {
	mode     config.RoutingMode
	embedder Embedder

	encOnce sync.Once
	enc     *tiktoken.Tiktoken

	// Reference embeddings, computed lazily on first use.
	refOnce     sync.Once
	complexRef  []float64
	trivialRef  []float64
	refsHealthy bool
}

// New creates an analyzer for the given routing mode. embedder may be nil.
func New(mode config.RoutingMode, embedder Embedder) *Analyzer {
	return &Analyzer{mode: mode, embedder: embedder}
}

type vocabRule struct {
	re     *regexp.Regexp
	points int
}

// Pattern families for the task-type subscore, ordered by specificity.
var taskPatterns = []vocabRule{
	{regexp.MustCompile(`(?i)\b(entire|whole|full)\s+(codebase|repository|project)\b`), 25},
	{regexp.MustCompile(`(?i)\bfrom\s+scratch\b`), 22},
	{regexp.MustCompile(`(?i)\b(implement|build|create|design)\s+(a|an|the|new)\b`), 18},
	{regexp.MustCompile(`(?i)\brefactor\w*\b`), 16},
	{regexp.MustCompile(`(?i)\b(debug|fix|optimi[sz]e|migrate|integrate)\b`), 12},
	{regexp.MustCompile(`(?i)\b(explain|describe|summari[sz]e|compare)\b`), 8},
	{regexp.MustCompile(`(?i)^(is|are|does|can|should|will)\b.{0,80}\?\s*$`), 4},
	{regexp.MustCompile(`(?i)\b(what|which|when|where)\s+(is|are)\b`), 4},
}

// Force overrides short-circuit the score entirely.
var forceLocalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(hi|hello|hey|yo|thanks|thank you|ok|okay|good (morning|afternoon|evening))\s*[.!?]*\s*$`),
	regexp.MustCompile(`(?i)^\s*what('?s| is) (the time|today'?s date)\b`),
	regexp.MustCompile(`(?i)^\s*(ping|test)\s*$`),
}

var forceCloudPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bsecurity\s+(audit|review|assessment)\b`),
	regexp.MustCompile(`(?i)\barchitecture\s+review\b`),
	regexp.MustCompile(`(?i)\bproduction\s+(incident|outage|emergency)\b`),
	regexp.MustCompile(`(?i)\b(penetration|pen)\s*test\w*\b`),
}

// Vocabulary families for the code-complexity subscore.
var codeVocab = []vocabRule{
	{regexp.MustCompile(`(?i)\b(multiple|several|many)\s+files?\b|\bmulti-file\b`), 5},
	{regexp.MustCompile(`(?i)\b(architecture|microservices?|distributed|scalab\w+)\b`), 5},
	{regexp.MustCompile(`(?i)\b(concurren\w+|parallel\w*|race condition|mutex|deadlock|goroutine|thread)\b`), 4},
	{regexp.MustCompile(`(?i)\b(security|auth\w*|encrypt\w*|vulnerab\w+)\b`), 4},
	{regexp.MustCompile(`(?i)\b(test\w*|coverage|mock\w*)\b`), 3},
	{regexp.MustCompile(`(?i)\b(performance|latency|throughput|profil\w+|benchmark\w*)\b`), 3},
	{regexp.MustCompile(`(?i)\b(database|sql|schema|migration|index\w*|transaction)\b`), 3},
}

var reasonVocab = []vocabRule{
	{regexp.MustCompile(`(?i)\bstep[- ]by[- ]step\b`), 4},
	{regexp.MustCompile(`(?i)\btrade[- ]?offs?\b`), 4},
	{regexp.MustCompile(`(?i)\b(analy[sz]e|analysis|reason\w*)\b`), 3},
	{regexp.MustCompile(`(?i)\b(plan|planning|strategy|roadmap)\b`), 3},
	{regexp.MustCompile(`(?i)\bedge[- ]cases?\b`), 3},
}

// Analyze scores a canonical request.
func (a *Analyzer) Analyze(ctx context.Context, req *canonical.Request) Result {
	text := lastUserText(req.Messages)
	full := allText(req)

	result := Result{
		Mode:      a.mode,
		Threshold: a.mode.Threshold(),
	}

	for _, re := range forceLocalPatterns {
		if re.MatchString(text) {
			result.Recommendation = RecommendLocal
			result.Forced = true
			result.Classification = ClassConversational
			return result
		}
	}
	for _, re := range forceCloudPatterns {
		if re.MatchString(text) {
			result.Recommendation = RecommendCloud
			result.Forced = true
			result.Score = 100
			result.Classification = ClassComplexTask
			return result
		}
	}

	result.TokenScore = bucketScore(a.estimateTokens(full), []int{500, 1000, 2000, 4000, 8000})
	result.ToolScore = bucketScore(len(req.Tools), []int{0, 3, 6, 10, 15})
	taskScore, majorScope := taskTypeScore(text)
	result.TaskScore = taskScore
	result.CodeScore = cappedVocabScore(text, codeVocab, 20)
	result.ReasonScore = cappedVocabScore(text, reasonVocab, 15)
	result.LengthBonus = min(len(req.Messages)/4, 5)

	score := result.TokenScore + result.ToolScore + result.TaskScore +
		result.CodeScore + result.ReasonScore + result.LengthBonus

	if adj := a.embeddingAdjustment(ctx, text); adj != nil {
		result.EmbeddingAdj = adj
		score += *adj
	}

	// Whole-codebase and from-scratch work dominates the additive signals:
	// a short prompt can still demand the strongest tier.
	if majorScope {
		score = max(score, 75)
	}

	result.Score = clamp(score, 0, 100)
	result.Classification = classify(text, result.Score)

	if result.Score >= result.Threshold {
		result.Recommendation = RecommendCloud
	} else {
		result.Recommendation = RecommendLocal
	}
	return result
}

// estimateTokens counts tokens with tiktoken, falling back to chars/4 when
// the encoding is unavailable.
func (a *Analyzer) estimateTokens(text string) int {
	a.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			a.enc = enc
		}
	})
	if a.enc != nil {
		return len(a.enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// bucketScore maps a count into 0/4/8/12/16/20 over ascending thresholds.
func bucketScore(n int, thresholds []int) int {
	score := 0
	for _, t := range thresholds {
		if n > t {
			score += 4
		}
	}
	return score
}

func taskTypeScore(text string) (score int, majorScope bool) {
	for i, p := range taskPatterns {
		if p.re.MatchString(text) {
			return p.points, i < 2 // entire-codebase and from-scratch families
		}
	}
	if strings.TrimSpace(text) == "" {
		return 0, false
	}
	return 6, false // general request
}

func cappedVocabScore(text string, vocab []vocabRule, limit int) int {
	score := 0
	for _, v := range vocab {
		if v.re.MatchString(text) {
			score += v.points
		}
	}
	return min(score, limit)
}

var (
	readingRe = regexp.MustCompile(`(?i)\b(read|show|cat|view|open)\b.*\b(file|config|log)\b`)
	editingRe = regexp.MustCompile(`(?i)\b(edit|change|modify|update|write|replace)\b`)
	searchRe  = regexp.MustCompile(`(?i)\b(search|find|grep|locate|look for)\b`)
)

func classify(text string, score int) Classification {
	switch {
	case score >= 50:
		return ClassComplexTask
	case readingRe.MatchString(text):
		return ClassFileReading
	case editingRe.MatchString(text):
		return ClassFileEditing
	case searchRe.MatchString(text):
		return ClassSearch
	case score < 15:
		return ClassConversational
	default:
		return ClassFileReading
	}
}

// Reference phrases for the optional embedding adjustment.
const (
	refComplex = "Design and implement a complete distributed system architecture with careful analysis of tradeoffs, concurrency, and failure modes"
	refTrivial = "Hi, how are you today?"
)

// embeddingAdjustment returns a score delta in [-10, 10] based on cosine
// similarity to the reference phrases, or nil if embeddings are unavailable.
func (a *Analyzer) embeddingAdjustment(ctx context.Context, text string) *int {
	if a.embedder == nil || text == "" {
		return nil
	}

	a.refOnce.Do(func() {
		complexRef, err1 := a.embedder.Embed(ctx, refComplex)
		trivialRef, err2 := a.embedder.Embed(ctx, refTrivial)
		if err1 == nil && err2 == nil {
			a.complexRef = complexRef
			a.trivialRef = trivialRef
			a.refsHealthy = true
		}
	})
	if !a.refsHealthy {
		return nil
	}

	vec, err := a.embedder.Embed(ctx, text)
	if err != nil {
		return nil
	}

	simComplex := cosine(vec, a.complexRef)
	simTrivial := cosine(vec, a.trivialRef)
	adj := clamp(int(math.Round((simComplex-simTrivial)*10)), -10, 10)
	return &adj
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func lastUserText(messages []canonical.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == canonical.RoleUser {
			return messages[i].FlatText()
		}
	}
	return ""
}

func allText(req *canonical.Request) string {
	var b strings.Builder
	b.WriteString(req.SystemText())
	for _, m := range req.Messages {
		b.WriteString("\n")
		b.WriteString(m.FlatText())
	}
	return b.String()
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
