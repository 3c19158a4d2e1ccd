package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func writeConfig(body string) string {
	path := filepath.Join(GinkgoT().TempDir(), "config.yaml")
	Expect(os.WriteFile(path, []byte(body), 0o600)).To(Succeed())
	return path
}

func setenv(key, value string) {
	prev, had := os.LookupEnv(key)
	Expect(os.Setenv(key, value)).To(Succeed())
	DeferCleanup(func() {
		if had {
			_ = os.Setenv(key, prev)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}

var _ = Describe("LoadFrom", func() {
	It("fills defaults for omitted sections", func() {
		cfg, err := LoadFrom(writeConfig("app:\n  name: theodore\n"))
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.App.Name).To(Equal("theodore"))
		Expect(cfg.Vector.Backend).To(Equal(BackendMemory))
		Expect(cfg.Vector.BatchConcurrency).To(Equal(8))
		Expect(cfg.Cache.TTL).To(Equal(30 * time.Second))
		Expect(cfg.Resilience.MaxAttempts).To(Equal(3))
		Expect(cfg.Resilience.Cooldown).To(Equal(30 * time.Second))
		Expect(cfg.Scoring.Weights.Sum()).To(BeNumerically("~", 1, 1e-9))
		Expect(cfg.Similarity.MaxTopK).To(Equal(100))
		Expect(cfg.Server.HTTP.Port).To(Equal(8080))
	})

	It("expands placeholders with defaults", func() {
		setenv("THEODORE_TEST_QDRANT_HOST", "qdrant.internal")
		cfg, err := LoadFrom(writeConfig(`
vector:
  backend: qdrant
  qdrant:
    host: ${THEODORE_TEST_QDRANT_HOST:localhost}
    port: ${THEODORE_TEST_QDRANT_PORT:6400}
`))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Vector.Backend).To(Equal(BackendQdrant))
		Expect(cfg.Vector.Qdrant.Host).To(Equal("qdrant.internal"))
		Expect(cfg.Vector.Qdrant.Port).To(Equal(6400))
	})

	It("lets environment variables override the file", func() {
		setenv("VECTOR_BACKEND", "badger")
		cfg, err := LoadFrom(writeConfig("vector:\n  backend: memory\n"))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Vector.Backend).To(Equal(BackendBadger))
	})

	It("fails on a missing file", func() {
		_, err := LoadFrom(filepath.Join(GinkgoT().TempDir(), "absent.yaml"))
		Expect(err).To(MatchError(ContainSubstring("failed to read config file")))
	})

	It("rejects invalid settings", func() {
		_, err := LoadFrom(writeConfig("vector:\n  backend: faiss\n"))
		Expect(err).To(MatchError(ContainSubstring("unknown vector backend")))
	})
})

var _ = Describe("Validate", func() {
	var cfg *Config

	BeforeEach(func() {
		var err error
		cfg, err = LoadFrom(writeConfig("app:\n  name: theodore\n"))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Validate()).To(Succeed())
	})

	It("requires weights to sum to one", func() {
		cfg.Scoring.Weights.CompanyStage = 0.9
		Expect(cfg.Validate()).To(MatchError(ContainSubstring("scoring weights must sum to 1.0")))
	})

	It("rejects unknown cache stores only when caching is enabled", func() {
		cfg.Cache.Store = "memcached"
		Expect(cfg.Validate()).To(HaveOccurred())
		cfg.Cache.Enabled = false
		Expect(cfg.Validate()).To(Succeed())
	})

	It("bounds the vector weight", func() {
		cfg.Similarity.VectorWeight = 1
		Expect(cfg.Validate()).To(HaveOccurred())
	})

	It("requires positive resilience limits", func() {
		cfg.Resilience.CallTimeout = 0
		Expect(cfg.Validate()).To(HaveOccurred())
	})

	It("accepts zero scoring thresholds but not an inverted pair", func() {
		cfg.Scoring.HighThreshold, cfg.Scoring.LowThreshold = 0, 0
		Expect(cfg.Validate()).To(Succeed())
		cfg.Scoring.HighThreshold, cfg.Scoring.LowThreshold = 0.2, 0.5
		Expect(cfg.Validate()).To(HaveOccurred())
	})

	It("rejects unknown missing strategies", func() {
		cfg.Scoring.MissingStrategy = "zero"
		Expect(cfg.Validate()).To(HaveOccurred())
	})
})

var _ = Describe("expandEnv", func() {
	It("keeps unknown placeholders without defaults", func() {
		Expect(expandEnv("${THEODORE_TEST_UNSET_VAR}")).To(Equal("${THEODORE_TEST_UNSET_VAR}"))
		Expect(expandEnv("${THEODORE_TEST_UNSET_VAR:}")).To(Equal(""))
		Expect(expandEnv("x=${THEODORE_TEST_UNSET_VAR:fallback}")).To(Equal("x=fallback"))
	})
})
