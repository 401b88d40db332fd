package core

// EmbeddingRequest represents a uniform text-embedding request.
// Inputs are embedded independently; order is preserved in the response.
type EmbeddingRequest struct {
	Inputs []string `json:"inputs"`
}

// Validate checks that the request carries at least one input.
func (r *EmbeddingRequest) Validate() error {
	if len(r.Inputs) == 0 {
		return ErrNoInputs
	}
	return nil
}

// EmbeddingResult is a single embedding vector, tagged with the index of the
// input it belongs to.
type EmbeddingResult struct {
	Index  int       `json:"index"`
	Vector []float32 `json:"vector"`
}

// EmbeddingResponse contains one result per request input, in input order.
type EmbeddingResponse struct {
	Results []EmbeddingResult `json:"results"`
}
