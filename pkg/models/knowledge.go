package models

// Passage is one similarity-search hit from the course knowledge index.
type Passage struct {
	ID        string  `json:"id"`
	Source    string  `json:"source"`
	Content   string  `json:"content"`
	Relevance float32 `json:"relevance"`
}
