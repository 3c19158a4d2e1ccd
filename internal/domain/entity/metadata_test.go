package entity

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "theodore-ai-api/pkg/errors"
)

var _ = Describe("Metadata", func() {
	It("decodes plain JSON into typed values", func() {
		var md Metadata
		err := json.Unmarshal([]byte(`{"name":"Acme","employees":42,"public":true,"tags":["a","b"]}`), &md)
		Expect(err).NotTo(HaveOccurred())
		Expect(md["name"].Kind()).To(Equal(KindString))
		Expect(md["employees"].Num()).To(Equal(42.0))
		Expect(md["public"].Bool()).To(BeTrue())
		Expect(md["tags"].List()).To(Equal([]string{"a", "b"}))
	})

	It("rejects nested objects, nulls and mixed lists", func() {
		var md Metadata
		Expect(json.Unmarshal([]byte(`{"a":{"b":1}}`), &md)).NotTo(Succeed())
		Expect(json.Unmarshal([]byte(`{"a":null}`), &md)).NotTo(Succeed())
		Expect(json.Unmarshal([]byte(`{"a":["x",1]}`), &md)).NotTo(Succeed())
	})

	It("clones lists deeply", func() {
		md := Metadata{"tags": StringListValue("a")}
		cp := md.Clone()
		cp["tags"].List()[0] = "z"
		Expect(md["tags"].List()[0]).To(Equal("a"))
		Expect(md.Equal(Metadata{"tags": StringListValue("a")})).To(BeTrue())
	})

	It("reads strings only through GetString", func() {
		md := Metadata{"n": NumberValue(1), "s": StringValue("x")}
		_, ok := md.GetString("n")
		Expect(ok).To(BeFalse())
		s, ok := md.GetString("s")
		Expect(ok).To(BeTrue())
		Expect(s).To(Equal("x"))
		Expect(md.Keys()).To(Equal([]string{"n", "s"}))
	})

	It("converts decoder numeric types", func() {
		v, err := ValueOf(int64(7))
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Equal(NumberValue(7))).To(BeTrue())
		_, err = ValueOf(map[string]any{})
		Expect(err).To(HaveOccurred())
	})

	Describe("MetadataSchema", func() {
		schema := MetadataSchema{"employees": KindNumber}

		It("accepts matching and undeclared fields", func() {
			Expect(schema.Validate(Metadata{"employees": NumberValue(1), "other": StringValue("x")})).To(Succeed())
			Expect(schema.Validate(Metadata{})).To(Succeed())
		})

		It("rejects kind mismatches", func() {
			err := schema.Validate(Metadata{"employees": StringValue("many")})
			Expect(apperrors.Is(err, apperrors.ErrSchemaViolation)).To(BeTrue())
		})

		It("checks declared kinds", func() {
			Expect(MetadataSchema{"x": "object"}.Check()).NotTo(Succeed())
			Expect(MetadataSchema{"": KindString}.Check()).NotTo(Succeed())
		})
	})
})
