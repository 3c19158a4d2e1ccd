package qdrant

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	qd "github.com/qdrant/go-client/qdrant"

	"theodore-ai-api/internal/domain/entity"
)

var _ = Describe("Filter", func() {
	It("nil 条件不下推", func() {
		f, exact := Filter(nil)
		Expect(f).To(BeNil())
		Expect(exact).To(BeTrue())
	})

	It("字符串相等落在字符串载荷下", func() {
		f, exact := Filter(entity.Eq("industry", entity.StringValue("fintech")))
		Expect(exact).To(BeTrue())
		Expect(f.GetMust()).To(HaveLen(1))
		field := f.GetMust()[0].GetField()
		Expect(field.GetKey()).To(Equal("ms.industry"))
		Expect(field.GetMatch().GetKeyword()).To(Equal("fintech"))
	})

	It("数值相等转换为闭区间", func() {
		f, exact := Filter(entity.Eq("employees", entity.NumberValue(42)))
		Expect(exact).To(BeTrue())
		field := f.GetMust()[0].GetField()
		Expect(field.GetKey()).To(Equal("mn.employees"))
		Expect(field.GetRange().GetGte()).To(Equal(42.0))
		Expect(field.GetRange().GetLte()).To(Equal(42.0))
	})

	It("区间保留原边界", func() {
		f, exact := Filter(entity.Range("funding", entity.RangeBound{Gt: entity.Float(1), Lte: entity.Float(9)}))
		Expect(exact).To(BeTrue())
		r := f.GetMust()[0].GetField().GetRange()
		Expect(r.Gt).NotTo(BeNil())
		Expect(*r.Gt).To(Equal(1.0))
		Expect(r.Gte).To(BeNil())
		Expect(*r.Lte).To(Equal(9.0))
	})

	It("字符串集合同时匹配标量与列表字段", func() {
		f, exact := Filter(entity.In("region", entity.StringValue("eu"), entity.StringValue("us")))
		Expect(exact).To(BeTrue())
		should := f.GetMust()[0].GetFilter().GetShould()
		Expect(should).To(HaveLen(2))
		Expect(should[0].GetField().GetKey()).To(Equal("ms.region"))
		Expect(should[0].GetField().GetMatch().GetKeywords().GetStrings()).To(Equal([]string{"eu", "us"}))
		Expect(should[1].GetField().GetKey()).To(Equal("ml.region"))
	})

	It("包含只能给出超集", func() {
		f, exact := Filter(entity.Contains("tags", "ai"))
		Expect(f).NotTo(BeNil())
		Expect(exact).To(BeFalse())
	})

	DescribeTable("无法下推的条件",
		func(in *entity.Filter) {
			f, exact := Filter(in)
			Expect(f).To(BeNil())
			Expect(exact).To(BeFalse())
		},
		Entry("不等", entity.Ne("industry", entity.StringValue("fintech"))),
		Entry("不在集合中", entity.NotIn("industry", entity.StringValue("fintech"))),
		Entry("字段名含路径字符", entity.Eq("a.b", entity.StringValue("x"))),
		Entry("or 的任一分支无法下推", entity.AnyOf(
			entity.Eq("industry", entity.StringValue("fintech")),
			entity.Ne("stage", entity.StringValue("seed")),
		)),
	)

	It("and 丢弃无法下推的分支并标记为不精确", func() {
		f, exact := Filter(entity.AllOf(
			entity.Eq("industry", entity.StringValue("fintech")),
			entity.Ne("stage", entity.StringValue("seed")),
		))
		Expect(exact).To(BeFalse())
		must := f.GetMust()[0].GetFilter().GetMust()
		Expect(must).To(HaveLen(1))
		Expect(must[0].GetField().GetKey()).To(Equal("ms.industry"))
	})
})

var _ = Describe("payload", func() {
	It("记录编码后可以还原", func() {
		md := entity.Metadata{
			"industry":  entity.StringValue("fintech"),
			"employees": entity.NumberValue(120),
			"ratio":     entity.NumberValue(0.25),
			"public":    entity.BoolValue(false),
			"tags":      entity.StringListValue("payments", "b2b"),
		}
		rec := entity.NewVectorRecord("acme", []float32{0.5, -1, 2}, md)
		rec.CreatedAt = time.UnixMilli(1_700_000_000_000).UTC()
		rec.UpdatedAt = time.UnixMilli(1_700_000_500_000).UTC()

		payload, err := encodePayload(rec, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(payload).To(HaveKey(payloadVector))

		got, err := decodePoint(payload, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.ID).To(Equal("acme"))
		Expect(got.Vector).To(Equal([]float32{0.5, -1, 2}))
		Expect(got.Metadata.Equal(md)).To(BeTrue())
		Expect(got.CreatedAt).To(BeTemporally("==", rec.CreatedAt))
		Expect(got.UpdatedAt).To(BeTemporally("==", rec.UpdatedAt))
	})

	It("未保存原始向量且没有点向量时向量为空", func() {
		rec := entity.NewVectorRecord("acme", []float32{1, 2}, nil)
		payload, err := encodePayload(rec, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(payload).NotTo(HaveKey(payloadVector))

		got, err := decodePoint(payload, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Vector).To(BeEmpty())
		Expect(got.Metadata).To(BeNil())
	})

	It("缺少记录 ID 的载荷无法还原", func() {
		_, err := decodePoint(map[string]*qd.Value{}, nil)
		Expect(err).To(HaveOccurred())
	})

	It("相同记录 ID 得到相同点 ID", func() {
		Expect(PointID("acme").GetUuid()).To(Equal(PointID("acme").GetUuid()))
		Expect(PointID("acme").GetUuid()).NotTo(Equal(PointID("globex").GetUuid()))
	})

	It("度量映射", func() {
		Expect(distanceOf(entity.MetricCosine)).To(Equal(qd.Distance_Cosine))
		Expect(distanceOf(entity.MetricEuclidean)).To(Equal(qd.Distance_Euclid))
		Expect(distanceOf(entity.MetricDotProduct)).To(Equal(qd.Distance_Dot))
	})

	It("类型路径", func() {
		Expect(kindPath(entity.KindString, "a")).To(Equal("ms.a"))
		Expect(kindPath(entity.KindNumber, "a")).To(Equal("mn.a"))
		Expect(kindPath(entity.KindBool, "a")).To(Equal("mb.a"))
		Expect(kindPath(entity.KindStringList, "a")).To(Equal("ml.a"))
	})
})
