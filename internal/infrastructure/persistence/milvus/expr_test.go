package milvus

import (
	"context"
	"errors"
	"time"

	mentity "github.com/milvus-io/milvus-sdk-go/v2/entity"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"theodore-ai-api/internal/config"
	"theodore-ai-api/internal/domain/entity"
	apperrors "theodore-ai-api/pkg/errors"
)

var _ = Describe("Expr", func() {
	It("nil 过滤条件生成空表达式", func() {
		expr, exact := Expr(nil)
		Expect(expr).To(BeEmpty())
		Expect(exact).To(BeTrue())
	})

	DescribeTable("精确下推的操作符",
		func(f *entity.Filter, want string) {
			expr, exact := Expr(f)
			Expect(exact).To(BeTrue())
			Expect(expr).To(Equal(want))
		},
		Entry("字符串相等", entity.Eq("industry", entity.StringValue("fintech")),
			`metadata["industry"] == "fintech"`),
		Entry("数值相等", entity.Eq("employees", entity.NumberValue(250)),
			`metadata["employees"] == 250`),
		Entry("布尔相等", entity.Eq("public", entity.BoolValue(true)),
			`metadata["public"] == true`),
		Entry("数值集合", entity.In("tier", entity.NumberValue(1), entity.NumberValue(2.5)),
			`metadata["tier"] in [1, 2.5]`),
		Entry("字符串集合同时匹配列表字段", entity.In("region", entity.StringValue("eu"), entity.StringValue("us")),
			`(metadata["region"] in ["eu", "us"] || json_contains_any(metadata["region"], ["eu", "us"]))`),
		Entry("区间", entity.Range("employees", entity.RangeBound{Gte: entity.Float(10), Lt: entity.Float(500)}),
			`metadata["employees"] >= 10 && metadata["employees"] < 500`),
		Entry("字段名中的引号被转义", entity.Eq(`a"b`, entity.StringValue("x")),
			`metadata["a\"b"] == "x"`),
	)

	DescribeTable("只下推存在性的操作符",
		func(f *entity.Filter) {
			expr, exact := Expr(f)
			Expect(exact).To(BeFalse())
			Expect(expr).To(Equal(`exists metadata["industry"]`))
		},
		Entry("不等", entity.Ne("industry", entity.StringValue("fintech"))),
		Entry("不在集合中", entity.NotIn("industry", entity.StringValue("fintech"))),
		Entry("包含", entity.Contains("industry", "tech")),
	)

	It("组合条件逐项加括号，任一子项不精确时整体不精确", func() {
		f := entity.AllOf(
			entity.Eq("stage", entity.StringValue("growth")),
			entity.AnyOf(
				entity.Eq("public", entity.BoolValue(false)),
				entity.Contains("tags", "ai"),
			),
		)
		expr, exact := Expr(f)
		Expect(exact).To(BeFalse())
		Expect(expr).To(Equal(`(metadata["stage"] == "growth") && ((metadata["public"] == false) || (exists metadata["tags"]))`))
	})
})

var _ = Describe("idsExpr", func() {
	It("主键加引号后组成 in 表达式", func() {
		Expect(idsExpr([]string{"acme", `we"ird`})).To(Equal(`id in ["acme", "we\"ird"]`))
	})
})

var _ = Describe("Schema", func() {
	It("集合描述可以还原索引描述", func() {
		desc := entity.NewIndexDescriptor(entity.IndexSpec{
			Name:      "companies",
			Dimension: 8,
			Metric:    entity.MetricDotProduct,
			Schema:    entity.MetadataSchema{"industry": entity.KindString},
		}, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

		schema, err := IndexSchema("theodore_companies", desc)
		Expect(err).NotTo(HaveOccurred())
		Expect(schema.CollectionName).To(Equal("theodore_companies"))
		Expect(schema.Fields).To(HaveLen(5))
		Expect(schema.Fields[0].PrimaryKey).To(BeTrue())
		Expect(schema.Fields[1].TypeParams).To(HaveKeyWithValue("dim", "8"))

		got, err := DescriptorFromSchema(schema)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Name).To(Equal("companies"))
		Expect(got.Dimension).To(Equal(8))
		Expect(got.Metric).To(Equal(entity.MetricDotProduct))
		Expect(got.Schema).To(HaveKeyWithValue("industry", entity.KindString))
		Expect(got.CreatedAt).To(BeTemporally("==", desc.CreatedAt))
	})

	It("非本服务创建的集合描述无法解析", func() {
		_, err := DescriptorFromSchema(&mentity.Schema{Description: "legacy collection"})
		Expect(err).To(HaveOccurred())
	})

	It("度量映射", func() {
		Expect(MetricType(entity.MetricCosine)).To(Equal(mentity.COSINE))
		Expect(MetricType(entity.MetricEuclidean)).To(Equal(mentity.L2))
		Expect(MetricType(entity.MetricDotProduct)).To(Equal(mentity.IP))
	})
})

var _ = Describe("Client naming", func() {
	It("带前缀时集合名可以往返", func() {
		c := &Client{config: &config.MilvusConfig{CollectionPrefix: "theodore"}}
		Expect(c.CollectionName("companies")).To(Equal("theodore_companies"))

		name, ok := c.IndexName("theodore_companies")
		Expect(ok).To(BeTrue())
		Expect(name).To(Equal("companies"))

		_, ok = c.IndexName("other_companies")
		Expect(ok).To(BeFalse())
		_, ok = c.IndexName("theodore_")
		Expect(ok).To(BeFalse())
	})

	It("无前缀时原样返回", func() {
		c := &Client{config: &config.MilvusConfig{}}
		Expect(c.CollectionName("companies")).To(Equal("companies"))
		name, ok := c.IndexName("companies")
		Expect(ok).To(BeTrue())
		Expect(name).To(Equal("companies"))
	})

	It("删除后清除加载状态", func() {
		c := &Client{config: &config.MilvusConfig{CollectionPrefix: "theodore"}}
		c.loaded.Store("theodore_companies", struct{}{})
		c.Forget("companies")
		_, ok := c.loaded.Load("theodore_companies")
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("mapError", func() {
	It("nil、业务错误与上下文错误原样返回", func() {
		Expect(mapError(nil, "companies")).NotTo(HaveOccurred())
		Expect(mapError(apperrors.ErrRecordNotFound, "companies")).To(BeIdenticalTo(apperrors.ErrRecordNotFound))
		Expect(mapError(context.DeadlineExceeded, "companies")).To(MatchError(context.DeadlineExceeded))
	})

	DescribeTable("gRPC 状态码",
		func(code codes.Code, target error) {
			err := mapError(status.Error(code, "boom"), "companies")
			Expect(apperrors.Is(err, target)).To(BeTrue())
		},
		Entry("NotFound", codes.NotFound, apperrors.ErrIndexNotFound),
		Entry("InvalidArgument", codes.InvalidArgument, apperrors.ErrInvalidParam),
		Entry("AlreadyExists", codes.AlreadyExists, apperrors.ErrIndexAlreadyExists),
		Entry("PermissionDenied", codes.PermissionDenied, apperrors.ErrInternalError),
		Entry("Unavailable", codes.Unavailable, apperrors.ErrVectorDBError),
	)

	DescribeTable("SDK 错误文本",
		func(msg string, target error) {
			Expect(apperrors.Is(mapError(errors.New(msg), "companies"), target)).To(BeTrue())
		},
		Entry("集合不存在", "collection not found[collection=theodore_companies]", apperrors.ErrIndexNotFound),
		Entry("维度不符", "the dim (4) of field data(vector) is not equal to schema dimension (8)", apperrors.ErrDimensionMismatch),
		Entry("其他", "connection reset by peer", apperrors.ErrVectorDBError),
	)

	It("映射后的错误按可重试分类", func() {
		Expect(apperrors.IsTransient(mapError(status.Error(codes.Unavailable, "down"), "companies"))).To(BeTrue())
		Expect(apperrors.IsPermanent(mapError(status.Error(codes.NotFound, "gone"), "companies"))).To(BeTrue())
	})
})
