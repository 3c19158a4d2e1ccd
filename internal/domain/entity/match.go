package entity

// SimilarityMatch 向量检索命中
// RawScore 已归一化到 [0,1]，越大越相似
type SimilarityMatch struct {
	ID       string    `json:"id"`
	RawScore float64   `json:"raw_score"`
	Metadata Metadata  `json:"metadata,omitempty"`
	Vector   []float32 `json:"vector,omitempty"`
}

// Clone 深拷贝
func (m SimilarityMatch) Clone() SimilarityMatch {
	out := m
	out.Metadata = m.Metadata.Clone()
	if m.Vector != nil {
		out.Vector = append([]float32(nil), m.Vector...)
	}
	return out
}
