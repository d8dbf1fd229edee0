package audit

import "context"

type provenanceKey struct{}

// WithProvenance attaches request provenance to ctx so services deeper in the
// call chain can record it without depending on the HTTP layer.
func WithProvenance(ctx context.Context, p Provenance) context.Context {
	return context.WithValue(ctx, provenanceKey{}, p)
}

// ProvenanceFromContext returns the provenance stored by WithProvenance, or
// the zero value for background work.
func ProvenanceFromContext(ctx context.Context) Provenance {
	if p, ok := ctx.Value(provenanceKey{}).(Provenance); ok {
		return p
	}
	return Provenance{}
}
