package entity

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "theodore-ai-api/pkg/errors"
)

var _ = Describe("Filter", func() {
	md := Metadata{
		"industry":  StringValue("fintech"),
		"employees": NumberValue(120),
		"public":    BoolValue(false),
		"tags":      StringListValue("b2b", "saas"),
		"summary":   StringValue("payments platform for SMBs"),
	}

	DescribeTable("Match",
		func(f *Filter, expected bool) {
			Expect(f.Validate()).To(Succeed())
			Expect(f.Match(md)).To(Equal(expected))
		},
		Entry("eq string", Eq("industry", StringValue("fintech")), true),
		Entry("eq with different kind", Eq("employees", StringValue("120")), false),
		Entry("ne", Ne("industry", StringValue("health")), true),
		Entry("in scalar", In("industry", StringValue("health"), StringValue("fintech")), true),
		Entry("in list intersects", In("tags", StringValue("saas")), true),
		Entry("nin list", NotIn("tags", StringValue("b2c")), true),
		Entry("range inclusive", Range("employees", RangeBound{Gte: Float(120), Lte: Float(120)}), true),
		Entry("range exclusive", Range("employees", RangeBound{Gt: Float(120)}), false),
		Entry("range on string", Range("industry", RangeBound{Gt: Float(0)}), false),
		Entry("contains list element", Contains("tags", "b2b"), true),
		Entry("contains substring", Contains("summary", "payments"), true),
		Entry("contains on bool", Contains("public", "false"), false),
		Entry("and", AllOf(Eq("public", BoolValue(false)), Contains("tags", "saas")), true),
		Entry("or", AnyOf(Eq("industry", StringValue("health")), Eq("public", BoolValue(true))), false),
		Entry("missing field eq", Eq("region", StringValue("eu")), false),
		Entry("missing field ne", Ne("region", StringValue("eu")), false),
		Entry("missing field nin", NotIn("region", StringValue("eu")), false),
	)

	It("matches everything when nil", func() {
		var f *Filter
		Expect(f.Match(md)).To(BeTrue())
		Expect(f.Validate()).To(Succeed())
	})

	DescribeTable("Validate rejects malformed trees",
		func(f *Filter) {
			err := f.Validate()
			Expect(err).To(HaveOccurred())
			Expect(apperrors.Is(err, apperrors.ErrInvalidFilter)).To(BeTrue())
		},
		Entry("empty and", AllOf()),
		Entry("unknown op", &Filter{Op: "like", Field: "x"}),
		Entry("missing field", &Filter{Op: OpEq, Value: func() *Value { v := StringValue("a"); return &v }()}),
		Entry("missing value", &Filter{Op: OpEq, Field: "x"}),
		Entry("empty in", In("x")),
		Entry("list value in in", In("x", StringListValue("a"))),
		Entry("empty range", Range("x", RangeBound{})),
		Entry("contains number", &Filter{Op: OpContains, Field: "x", Value: func() *Value { v := NumberValue(1); return &v }()}),
		Entry("nested invalid", AllOf(Eq("a", StringValue("b")), In("c"))),
	)

	It("lists referenced fields", func() {
		f := AllOf(Eq("a", StringValue("x")), AnyOf(Range("b", RangeBound{Gt: Float(1)}), Contains("c", "y")))
		Expect(f.Fields()).To(Equal([]string{"a", "b", "c"}))
	})

	It("produces identical canonical forms for identical trees", func() {
		a := AllOf(Eq("a", StringValue("x")), In("b", NumberValue(1), NumberValue(2)))
		b := AllOf(Eq("a", StringValue("x")), In("b", NumberValue(1), NumberValue(2)))
		Expect(a.Canonical()).To(Equal(b.Canonical()))
		Expect(a.Canonical()).NotTo(Equal(Eq("a", StringValue("y")).Canonical()))
	})

	It("ignores child and value order in the canonical form", func() {
		a := AllOf(
			Eq("industry", StringValue("fintech")),
			AnyOf(In("stage", StringValue("growth"), StringValue("startup")), Contains("tags", "saas")),
		)
		b := AllOf(
			AnyOf(Contains("tags", "saas"), In("stage", StringValue("startup"), StringValue("growth"))),
			Eq("industry", StringValue("fintech")),
		)
		Expect(a.Canonical()).To(Equal(b.Canonical()))
		Expect(a.Canonical()).NotTo(Equal(AnyOf(a.Children...).Canonical()))
		Expect(b.Children[0].Children[1].Values[0].Str()).To(Equal("startup"))
	})
})
