package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"theodore-ai-api/internal/application/similarity"
	"theodore-ai-api/internal/domain/repository"
	"theodore-ai-api/internal/interfaces/http/dto"
)

// SimilarFinder 相似公司查找
type SimilarFinder interface {
	FindSimilar(ctx context.Context, req similarity.FindSimilarRequest) (*similarity.FindSimilarResult, error)
}

// SearchHandler 检索处理器
type SearchHandler struct {
	repo        repository.VectorRepository
	finder      SimilarFinder
	defaultTopK int
}

// NewSearchHandler 创建检索处理器
func NewSearchHandler(repo repository.VectorRepository, finder SimilarFinder, defaultTopK int) *SearchHandler {
	if defaultTopK <= 0 {
		defaultTopK = 10
	}
	return &SearchHandler{
		repo:        repo,
		finder:      finder,
		defaultTopK: defaultTopK,
	}
}

// Search 向量检索
// @Summary 向量检索
// @Description 按查询向量或已有记录检索最相似的记录
// @Tags Search
// @Accept json
// @Produce json
// @Param name path string true "索引名"
// @Param body body dto.SearchRequest true "检索请求"
// @Success 200 {object} dto.Response[repository.SearchResult]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 404 {object} dto.ErrorResponse
// @Failure 503 {object} dto.ErrorResponse
// @Router /v1/indexes/{name}/search [post]
func (h *SearchHandler) Search(c *gin.Context) {
	var req dto.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	res, err := h.repo.Search(c.Request.Context(), dto.BindIndexName(c), req.ToSearchRequest(h.defaultTopK))
	if err != nil {
		dto.FromError(c, err)
		return
	}
	dto.Success(c, res)
}

// FindSimilar 相似公司查找
// @Summary 相似公司查找
// @Description 向量召回后按公司属性多维打分
// @Tags Search
// @Accept json
// @Produce json
// @Param name path string true "索引名"
// @Param body body dto.FindSimilarRequest true "查找请求"
// @Success 200 {object} dto.Response[similarity.FindSimilarResult]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 404 {object} dto.ErrorResponse
// @Failure 504 {object} dto.ErrorResponse
// @Router /v1/indexes/{name}/similar [post]
func (h *SearchHandler) FindSimilar(c *gin.Context) {
	var req dto.FindSimilarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	res, err := h.finder.FindSimilar(c.Request.Context(), similarity.FindSimilarRequest{
		Index:           dto.BindIndexName(c),
		TargetID:        req.TargetID,
		CandidatePool:   req.CandidatePool,
		TopK:            req.TopK,
		MinOverallScore: req.MinOverallScore,
		Filter:          req.Filter,
	})
	if err != nil {
		dto.FromError(c, err)
		return
	}
	dto.Success(c, res)
}
