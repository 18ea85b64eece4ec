package extraction

import (
	"context"
	"encoding/json"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
)

// --- Model prompts ---
const systemPrompt = "You are a clinical document analyst. You read a single page of a scanned or digital medical record and return structured JSON only. Never invent information that is not on the page."

const defaultClassifyPrompt = `Classify this page. Respond with a JSON object {"pageType": string, "confidence": number}.
pageType must be one of: medication_list, prescription, discharge_summary, clinical_note, lab_result, immunization_record, allergy_list, administrative, other.`

var defaultLabelPrompts = map[models.ExtractionType]string{
	models.ExtractionMedications: `List every medication on this page. Respond with {"medications": [{"name", "dosage", "route", "frequency", "form", "instructions", "startDate", "endDate", "catalogId"}]}.
Use an empty string for fields that are not on the page and 0 for catalogId unless a catalog number is printed.`,
	models.ExtractionConditions:    `List every diagnosis or problem on this page. Respond with {"facts": [{"name", "code", "status", "detail", "date"}]}.`,
	models.ExtractionAllergies:     `List every allergy or intolerance on this page. Respond with {"facts": [{"name", "code", "status", "detail", "date"}]}; put the reaction in detail.`,
	models.ExtractionImmunizations: `List every immunization on this page. Respond with {"facts": [{"name", "code", "status", "detail", "date"}]}; put the dose number in detail.`,
}

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

// VertexConfig configures the Vertex AI adapter.
type VertexConfig struct {
	ProjectID         string
	Region            string
	DefaultModel      string
	RequestsPerSecond float64
	Burst             int
}

// Vertex calls Gemini on Vertex AI in JSON response mode.
type Vertex struct {
	client  *genai.Client
	limiter *rate.Limiter
	config  VertexConfig
}

// NewVertex creates a genai client.
func NewVertex(ctx context.Context, cfg VertexConfig) (*Vertex, error) {
	if cfg.ProjectID == "" || cfg.Region == "" {
		return nil, eris.New("extraction: projectID and region cannot be empty")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-1.5-pro"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	client, err := genai.NewClient(ctx, cfg.ProjectID, cfg.Region)
	if err != nil {
		return nil, eris.Wrap(err, "extraction: genai.NewClient")
	}
	return &Vertex{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		config:  cfg,
	}, nil
}

func (v *Vertex) ClassifyPage(ctx context.Context, in PageInput) (Classification, error) {
	var out Classification
	if err := v.generate(ctx, in, defaultClassifyPrompt, &out); err != nil {
		return Classification{}, err
	}
	if out.PageType == "" {
		out.PageType = "other"
	}
	return out, nil
}

func (v *Vertex) ExtractLabel(ctx context.Context, label models.ExtractionType, in PageInput) (LabelResult, error) {
	fallback, ok := defaultLabelPrompts[label]
	if !ok {
		return LabelResult{}, eris.Errorf("extraction: unsupported label %q", label)
	}
	var out LabelResult
	if err := v.generate(ctx, in, fallback, &out); err != nil {
		return LabelResult{}, err
	}
	return out, nil
}

func (v *Vertex) model(name string) *genai.GenerativeModel {
	if name == "" {
		name = v.config.DefaultModel
	}
	m := v.client.GenerativeModel(name)
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	m.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	m.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}
	return m
}

func (v *Vertex) generate(ctx context.Context, in PageInput, fallbackPrompt string, out any) error {
	log := zap.L().With(zap.String("documentId", in.DocumentID), zap.Int("pageNumber", in.PageNumber))
	if err := v.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "extraction: rate limiter")
	}
	prompt := in.Prompt
	if prompt == "" {
		prompt = fallbackPrompt
	}

	resp, err := v.model(in.Model).GenerateContent(ctx,
		genai.Blob{MIMEType: "application/pdf", Data: in.PDF},
		genai.Text(prompt),
	)
	if err != nil {
		return eris.Wrap(err, "extraction: failed to generate content from gemini")
	}

	text := responseText(resp)
	if isRefusal(text) {
		log.Warn("extraction: model refused", zap.String("response", text))
		return eris.Errorf("extraction: gemini response indicates refusal for page %d", in.PageNumber)
	}
	if text == "" {
		return eris.Errorf("extraction: empty response for page %d", in.PageNumber)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return eris.Wrapf(err, "extraction: decode response for page %d", in.PageNumber)
	}
	return nil
}

// responseText concatenates the text parts of the first candidate and strips code fences.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return stripFences(b.String())
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func isRefusal(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func (v *Vertex) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}
