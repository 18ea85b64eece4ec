package extraction

import (
	"encoding/json"
	"testing"

	"cloud.google.com/go/vertexai/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseText(t *testing.T) {
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{
			genai.Text("```json\n{\"pageType\":"),
			genai.Text("\"medication_list\"}\n```"),
		}},
	}}}
	assert.Equal(t, `{"pageType":"medication_list"}`, responseText(resp))
	assert.Empty(t, responseText(nil))
	assert.Empty(t, responseText(&genai.GenerateContentResponse{}))
}

func TestIsRefusal(t *testing.T) {
	assert.True(t, isRefusal("I am unable to read this document."))
	assert.True(t, isRefusal("As a large language model, I ..."))
	assert.False(t, isRefusal(`{"medications": []}`))
}

func TestLabelResultDecodesModelOutput(t *testing.T) {
	raw := `{"medications":[{"name":"Metformin","dosage":"500 mg","route":"oral","frequency":"twice daily","catalogId":12345}]}`
	var out LabelResult
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	require.Len(t, out.Medications, 1)
	assert.Equal(t, "Metformin", out.Medications[0].Name)
	assert.Equal(t, int64(12345), out.Medications[0].CatalogID)
	assert.Equal(t, "oral", out.Medications[0].Route)
}

func TestDefaultPromptsCoverEveryLabel(t *testing.T) {
	assert.Len(t, defaultLabelPrompts, 4)
}
