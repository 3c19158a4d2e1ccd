package scoring

// 各维度取值表。有序维度按距离查表，业务模式与行业使用对称的配对表。

const (
	exactMatch      = 1.0
	relatedIndustry = 0.7
	// industryFloor 不相关行业的基线分，保证不为零
	industryFloor      = 0.1
	businessModelFloor = 0.3
)

// ordinalScale 有序取值及按距离的得分
type ordinalScale struct {
	levels  map[string]int
	aliases map[string]string
	// byDistance[i] 为距离 i 的默认得分
	byDistance []float64
	// overrides 特定配对的得分
	overrides map[pair]float64
}

type pair struct{ a, b string }

func newPair(a, b string) pair {
	if a > b {
		a, b = b, a
	}
	return pair{a, b}
}

func (s ordinalScale) canonical(v string) (string, bool) {
	if alias, ok := s.aliases[v]; ok {
		v = alias
	}
	_, ok := s.levels[v]
	return v, ok
}

func (s ordinalScale) score(a, b string) float64 {
	if a == b {
		return exactMatch
	}
	if v, ok := s.overrides[newPair(a, b)]; ok {
		return v
	}
	d := s.levels[a] - s.levels[b]
	if d < 0 {
		d = -d
	}
	if d >= len(s.byDistance) {
		return s.byDistance[len(s.byDistance)-1]
	}
	return s.byDistance[d]
}

var stageScale = ordinalScale{
	levels: map[string]int{"startup": 0, "growth": 1, "scale_up": 2, "enterprise": 3},
	aliases: map[string]string{
		"seed":        "startup",
		"early_stage": "startup",
		"pre_seed":    "startup",
		"scaleup":     "scale_up",
		"expansion":   "scale_up",
		"mature":      "enterprise",
		"public":      "enterprise",
		"large":       "enterprise",
	},
	byDistance: []float64{exactMatch, 0.7, 0.4, 0.2},
	overrides: map[pair]float64{
		newPair("scale_up", "enterprise"): 0.6,
		newPair("growth", "enterprise"):   0.3,
	},
}

var techScale = ordinalScale{
	levels: map[string]int{"low": 0, "medium": 1, "high": 2},
	aliases: map[string]string{
		"basic":        "low",
		"moderate":     "medium",
		"intermediate": "medium",
		"advanced":     "high",
		"cutting_edge": "high",
	},
	byDistance: []float64{exactMatch, 0.6, 0.2},
}

var geographyScale = ordinalScale{
	levels: map[string]int{"local": 0, "regional": 1, "national": 2, "global": 3},
	aliases: map[string]string{
		"city":          "local",
		"country":       "national",
		"international": "global",
		"multinational": "global",
		"worldwide":     "global",
	},
	byDistance: []float64{exactMatch, 0.7, 0.4, 0.2},
}

var businessModels = map[string]bool{
	"b2b": true, "b2c": true, "b2b2c": true, "marketplace": true, "saas": true,
}

var businessModelAliases = map[string]string{
	"platform":            "marketplace",
	"software_as_service": "saas",
	"enterprise":          "b2b",
	"consumer":            "b2c",
}

var businessModelPairs = map[pair]float64{
	newPair("saas", "b2b"):          0.8,
	newPair("b2b2c", "b2b"):         0.7,
	newPair("b2b2c", "b2c"):         0.7,
	newPair("marketplace", "b2c"):   0.6,
	newPair("marketplace", "b2b2c"): 0.6,
	newPair("marketplace", "b2b"):   0.5,
	newPair("saas", "b2b2c"):        0.5,
	newPair("saas", "marketplace"):  0.4,
}

func canonicalBusinessModel(v string) (string, bool) {
	if alias, ok := businessModelAliases[v]; ok {
		v = alias
	}
	return v, businessModels[v]
}

func businessModelScore(a, b string) float64 {
	if a == b {
		return exactMatch
	}
	if v, ok := businessModelPairs[newPair(a, b)]; ok {
		return v
	}
	return businessModelFloor
}

// industryGroups 相关行业分组，同组得 relatedIndustry
var industryGroups = [][]string{
	{"fintech", "financial_services", "banking", "insurtech", "insurance", "payments", "wealthtech", "lending"},
	{"healthcare", "biotech", "medtech", "pharma", "pharmaceuticals", "healthtech", "life_sciences", "digital_health"},
	{"saas", "software", "enterprise_software", "developer_tools", "cloud", "cybersecurity", "data_analytics", "ai", "machine_learning"},
	{"retail", "ecommerce", "e_commerce", "consumer_goods", "d2c", "fashion"},
	{"manufacturing", "industrial", "logistics", "supply_chain", "automotive"},
	{"media", "entertainment", "gaming", "adtech", "marketing", "martech"},
	{"energy", "cleantech", "climate", "renewables", "utilities"},
	{"education", "edtech"},
	{"real_estate", "proptech", "construction"},
	{"telecommunications", "telecom", "networking"},
}

var industryGroupOf = func() map[string]int {
	m := make(map[string]int)
	for i, group := range industryGroups {
		for _, name := range group {
			m[name] = i
		}
	}
	return m
}()

func industryScore(a, b string) float64 {
	if a == b {
		return exactMatch
	}
	ga, okA := industryGroupOf[a]
	gb, okB := industryGroupOf[b]
	if okA && okB && ga == gb {
		return relatedIndustry
	}
	return industryFloor
}
