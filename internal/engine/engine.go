package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/rbase-ai/deepreview/config"
	"github.com/rbase-ai/deepreview/internal/provider"
	"github.com/rbase-ai/deepreview/internal/translate"
	"github.com/rbase-ai/deepreview/internal/vectordb"
)

// GenerationRequest is a full-document generation request (topic overview or
// researcher profile).
type GenerationRequest struct {
	Subject        string
	Language       string
	TopKPerSection int
	TopKAccepted   int
	Collection     string
}

// GenerationResult is the assembled, per-language output of one request.
type GenerationResult struct {
	EnglishResponse map[string]string `json:"english_response"`
	ChineseResponse map[string]string `json:"chinese_response"`
	SectionOrder    []string          `json:"section_order"`
	TokensUsed      int64             `json:"tokens_used"`
}

// SummaryArticle is one article feeding a lightweight summary generation.
type SummaryArticle struct {
	ID       int64
	Title    string
	Abstract string
	Journal  string
	Year     int
}

// SummarySource loads the articles attached to a summarizable entity.
type SummarySource interface {
	ArticlesForSubject(ctx context.Context, relatedType string, relatedID int64, termTreeNodeIDs []int64, limit int) ([]SummaryArticle, error)
}

// Engine is the top-level generation orchestrator. Sections run concurrently;
// a failed section becomes an explicit gap and never aborts its siblings.
type Engine struct {
	cfg        config.EngineConfig
	llm        provider.LLMProvider
	planner    *QueryPlanner
	controller *IterationController
	assembler  *DocumentAssembler
	translator *translate.Translator
	summaries  SummarySource
	writing    string
	logger     *log.Logger
}

func New(cfg *config.Config, llm provider.LLMProvider, db vectordb.VectorDB, metadata MetadataStore, summaries SummarySource) *Engine {
	reasoning := cfg.LLM.Routing.Reasoning
	writing := cfg.LLM.Routing.Writing
	if writing == "" {
		writing = cfg.LLM.Routing.Fallback
	}
	if reasoning == "" {
		reasoning = writing
	}

	planner := NewQueryPlanner(llm, reasoning)
	retrieval := NewRetrievalClient(llm, db, cfg.General.DefaultTimeout)
	synthesizer := NewSectionSynthesizer(llm, writing)
	controller := NewIterationController(planner, retrieval, synthesizer,
		cfg.Engine.MinSectionEvidence, cfg.Engine.MaxRetries, cfg.Engine.RetryBackoff)

	return &Engine{
		cfg:        cfg.Engine,
		llm:        llm,
		planner:    planner,
		controller: controller,
		assembler:  NewDocumentAssembler(llm, writing, metadata),
		translator: translate.NewTranslator(llm, writing),
		summaries:  summaries,
		writing:    writing,
		logger:     log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
	}
}

// GenerateOverview produces a six-section topic review.
func (e *Engine) GenerateOverview(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	return e.generate(ctx, "overview", req, OverviewSections)
}

// GenerateProfile produces a five-section researcher profile.
func (e *Engine) GenerateProfile(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	return e.generate(ctx, "personal", req, ProfileSections)
}

func (e *Engine) generate(ctx context.Context, kind string, req GenerationRequest, sections []string) (*GenerationResult, error) {
	start := time.Now()
	var total provider.TokenUsage

	if strings.TrimSpace(req.Subject) == "" {
		return nil, fmt.Errorf("missing subject")
	}
	if req.Language == "" {
		req.Language = "zh"
	}
	if req.TopKPerSection <= 0 {
		req.TopKPerSection = e.cfg.TopKPerSection
	}
	if req.TopKAccepted <= 0 {
		req.TopKAccepted = e.cfg.TopKAccepted
	}

	// Planning and retrieval run in English; a Chinese subject is translated
	// up front and the request language drives the final rendering.
	topic := req.Subject
	if translate.DetectLanguage(topic) == "zh" {
		translated, usage, err := e.translator.Translate(ctx, topic, "en")
		total.Add(usage)
		if err != nil {
			e.logger.Printf("subject translation failed, planning with original: %v", err)
		} else {
			topic = translated
		}
	}

	plan, usage, err := e.planner.PlanSections(ctx, topic, sections)
	total.Add(usage)
	if err != nil {
		e.logger.Printf("planning degraded to defaults: %v", err)
	}

	drafts := make([]SectionDraft, len(sections))
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i, name := range sections {
		spec := SectionSpec{
			Name:           name,
			Outline:        overviewOutlines[name],
			TargetLanguage: req.Language,
			MaxIterations:  e.cfg.MaxIterations,
			TopKPerSection: req.TopKPerSection,
			TopKAccepted:   req.TopKAccepted,
		}
		if spec.Outline == "" {
			spec.Outline = profileOutlines[name]
		}

		wg.Add(1)
		go func(i int, spec SectionSpec) {
			defer wg.Done()
			sctx := ctx
			if e.cfg.SectionTimeout > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(ctx, e.cfg.SectionTimeout)
				defer cancel()
			}
			draft, usage, err := e.controller.Run(sctx, spec, topic, req.Collection, plan[spec.Name])
			mu.Lock()
			total.Add(usage)
			mu.Unlock()
			if err != nil {
				sectionFailures.Inc()
				e.logger.Printf("section %q failed: %v", spec.Name, err)
				if !draft.Failed {
					draft.Failed = true
					draft.FailureReason = err.Error()
				}
			}
			drafts[i] = draft
		}(i, spec)
	}
	wg.Wait()

	failed := 0
	for _, d := range drafts {
		if d.Failed {
			failed++
		}
	}
	if failed == len(drafts) {
		generationRequests.WithLabelValues(kind, "error").Inc()
		return nil, fmt.Errorf("all %d sections failed", failed)
	}

	doc, usage, err := e.assembler.Assemble(ctx, topic, drafts, req.Language)
	total.Add(usage)
	if err != nil {
		generationRequests.WithLabelValues(kind, "error").Inc()
		return nil, fmt.Errorf("document assembly failed: %w", err)
	}

	result, err := e.render(ctx, doc, req.Language, &total)
	if err != nil {
		generationRequests.WithLabelValues(kind, "error").Inc()
		return nil, err
	}
	result.TokensUsed = total.TotalTokens

	generationRequests.WithLabelValues(kind, "success").Inc()
	generationDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	tokensUsed.WithLabelValues(kind).Add(float64(total.TotalTokens))
	e.logger.Printf("%s generation for %q finished: %d sections (%d failed), %d tokens, %s",
		kind, req.Subject, len(drafts), failed, total.TotalTokens, time.Since(start))
	return result, nil
}

// render produces the English and Chinese section maps. References are never
// translated.
func (e *Engine) render(ctx context.Context, doc ReviewDocument, language string, total *provider.TokenUsage) (*GenerationResult, error) {
	english := map[string]string{"Abstract": doc.Abstract}
	order := []string{"Abstract"}
	for _, d := range doc.Sections {
		content := d.Content
		if d.Failed {
			content = fmt.Sprintf("*This section could not be generated: %s.*", d.FailureReason)
		}
		english[d.Name] = content
		order = append(order, d.Name)
	}
	english["Conclusion"] = doc.Conclusion
	order = append(order, "Conclusion")

	var refLines []string
	for _, r := range doc.References {
		refLines = append(refLines, r.Citation)
	}
	english["References"] = strings.Join(refLines, "\n\n")
	order = append(order, "References")

	result := &GenerationResult{EnglishResponse: english, SectionOrder: order}
	if language != "zh" {
		return result, nil
	}

	chinese := make(map[string]string, len(english))
	for name, content := range english {
		if name == "References" {
			chinese[name] = content
			continue
		}
		translated, usage, err := e.translator.Translate(ctx, content, "zh")
		total.Add(usage)
		if err != nil {
			e.logger.Printf("translation of section %q failed, keeping English: %v", name, err)
			translated = content
		}
		chinese[name] = translated
	}
	result.ChineseResponse = chinese
	return result, nil
}

// GenerateSummary produces a short synthesis of the articles attached to a
// channel, section or article. It is the compute path behind the cache.
func (e *Engine) GenerateSummary(ctx context.Context, relatedType string, relatedID int64, termTreeNodeIDs []int64, language string) (string, int64, error) {
	articles, err := e.summaries.ArticlesForSubject(ctx, relatedType, relatedID, termTreeNodeIDs, e.cfg.SummaryArticleCount)
	if err != nil {
		return "", 0, fmt.Errorf("loading articles for %s/%d failed: %w", relatedType, relatedID, err)
	}
	if len(articles) == 0 {
		return "", 0, fmt.Errorf("no articles found for %s/%d", relatedType, relatedID)
	}

	prompt := e.summaryPrompt(articles, language)
	content, usage, err := e.llm.Generate(ctx, prompt, e.writing, provider.Options{Temperature: 0.5})
	if err != nil {
		return "", usage.TotalTokens, fmt.Errorf("summary generation failed: %w", err)
	}
	tokensUsed.WithLabelValues("summary").Add(float64(usage.TotalTokens))
	return strings.TrimSpace(content), usage.TotalTokens, nil
}

// GenerateSummaryStream is the streaming variant of GenerateSummary.
func (e *Engine) GenerateSummaryStream(ctx context.Context, relatedType string, relatedID int64, termTreeNodeIDs []int64, language string) (<-chan provider.Fragment, error) {
	articles, err := e.summaries.ArticlesForSubject(ctx, relatedType, relatedID, termTreeNodeIDs, e.cfg.SummaryArticleCount)
	if err != nil {
		return nil, fmt.Errorf("loading articles for %s/%d failed: %w", relatedType, relatedID, err)
	}
	if len(articles) == 0 {
		return nil, fmt.Errorf("no articles found for %s/%d", relatedType, relatedID)
	}
	return e.llm.GenerateStream(ctx, e.summaryPrompt(articles, language), e.writing, provider.Options{Temperature: 0.5})
}

func (e *Engine) summaryPrompt(articles []SummaryArticle, language string) string {
	langName := "Simplified Chinese"
	if language == "en" {
		langName = "English"
	}
	var b strings.Builder
	for _, a := range articles {
		fmt.Fprintf(&b, "--- Reference ID: %d ---\nTitle: %s\nJournal: %s (%d)\n%s\n\n", a.ID, a.Title, a.Journal, a.Year, a.Abstract)
	}
	return fmt.Sprintf(summaryPrompt, langName, b.String())
}
