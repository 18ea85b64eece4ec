// Package keys builds every name the pipeline persists or routes by: Firestore
// collection names, task queue names, messaging topics, blob object keys and the
// deterministic document IDs that make duplicate deliveries collide in the store.
//
// All functions are pure. Two processes given the same inputs always produce
// the same names.
package keys

import (
	"fmt"
	"regexp"
	"strings"
)

// Builder namespaces collection, queue and topic names by a prefix and an
// environment, e.g. ("docflow", "prod").
type Builder struct {
	prefix string
	env    string
}

// New returns a Builder for the given prefix and environment. Either may be empty.
func New(prefix, env string) Builder {
	return Builder{prefix: sanitize(prefix, "_"), env: sanitize(env, "_")}
}

// Collection returns the namespaced Firestore collection for an aggregate kind.
func (b Builder) Collection(kind string) string {
	return join("_", b.prefix, b.env, sanitize(kind, "_"))
}

// Queue returns the task queue for a stage category at a priority. Queue IDs
// only allow letters, digits and hyphens.
func (b Builder) Queue(category, priority string) string {
	return join("-", dash(b.prefix), dash(b.env), sanitize(category, "-"), sanitize(priority, "-"))
}

// Topic returns the namespaced messaging topic.
func (b Builder) Topic(name string) string {
	return join("-", dash(b.prefix), dash(b.env), sanitize(name, "-"))
}

// PageOperationID is the document ID of the PageOperation identified by
// (instance, page, extraction type).
func PageOperationID(instanceID, pageID, extractionType string) string {
	return join("_", instanceID, pageID, sanitize(extractionType, "_"))
}

// LogIdentity is the retry key shared by every attempt of one step on one page.
func LogIdentity(instanceID, stepID string, pageNumber int, label string) string {
	id := fmt.Sprintf("%s:%s:%d", instanceID, stepID, pageNumber)
	if label != "" {
		id += ":" + label
	}
	return id
}

// RetryConfigID is the document ID of an EntityRetryConfig.
func RetryConfigID(entityID, entityType string) string {
	return sanitize(entityType, "_") + "_" + strings.ReplaceAll(entityID, "/", "_")
}

// ExtractedMedicationID is the document ID of the index-th medication found on a page.
func ExtractedMedicationID(instanceID, pageID string, index int) string {
	return fmt.Sprintf("%s_%s_med_%03d", instanceID, pageID, index)
}

// ClinicalFactID is the document ID of the index-th fact of a label found on a page.
func ClinicalFactID(instanceID, pageID, label string, index int) string {
	return fmt.Sprintf("%s_%s_%s_%03d", instanceID, pageID, sanitize(label, "_"), index)
}

// TenantConfigID is the document ID of an app/tenant configuration.
func TenantConfigID(appID, tenantID string) string {
	return join("_", sanitize(appID, "-"), sanitize(tenantID, "-"))
}

// SourceBlob is the object key of a document's uploaded PDF.
func SourceBlob(documentID string) string {
	return fmt.Sprintf("documents/%s/source.pdf", documentID)
}

// PageBlob is the object key of a single split page.
func PageBlob(documentID string, pageNumber int) string {
	return fmt.Sprintf("documents/%s/pages/%05d.pdf", documentID, pageNumber)
}

// ReportBlob is the object key of an instance's extraction report.
func ReportBlob(documentID, instanceID string) string {
	return fmt.Sprintf("reports/%s/%s.md", documentID, instanceID)
}

var invalidChars = regexp.MustCompile(`[^a-z0-9]+`)

func sanitize(s, sep string) string {
	return strings.Trim(invalidChars.ReplaceAllString(strings.ToLower(s), sep), sep)
}

func dash(s string) string {
	return strings.ReplaceAll(s, "_", "-")
}

func join(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
