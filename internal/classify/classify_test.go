package classify

import (
	"testing"

	"pharmwatch/internal/model"
)

func TestRxMarkerWins(t *testing.T) {
	r := Classify(Signals{Name: "片仔癀 3g*1粒(RX)"})
	if r.Category != model.CategoryDrug || r.Confidence != 1.00 || r.Source != "keyword:rx" {
		t.Fatalf("unexpected result: %+v", r)
	}

	// 全角括号与小写同样命中
	r = Classify(Signals{Name: "片仔癀 3g*1粒（rx）"})
	if r.Category != model.CategoryDrug || r.Confidence != 1.00 {
		t.Fatalf("fullwidth rx marker missed: %+v", r)
	}
}

func TestManufacturerIndustryMarker(t *testing.T) {
	r := Classify(Signals{Name: "某某保湿水", Manufacturer: "上海某某化妆品有限公司"})
	if r.Category != model.CategoryCosmetic || r.Confidence != 0.95 {
		t.Fatalf("unexpected result: %+v", r)
	}

	r = Classify(Signals{Name: "某某理疗仪", Manufacturer: "深圳某某医疗器械有限公司"})
	if r.Category != model.CategoryMedicalDevice || r.Confidence != 0.95 {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestProductKeywords(t *testing.T) {
	r := Classify(Signals{Name: "皇后牌 片仔癀 珍珠霜 25g"})
	if r.Category != model.CategoryCosmetic || r.Confidence < 0.90 {
		t.Fatalf("cosmetic keyword missed: %+v", r)
	}

	r = Classify(Signals{Name: "一次性医用口罩 50只"})
	if r.Category != model.CategoryMedicalDevice || r.Confidence != 0.90 {
		t.Fatalf("device keyword missed: %+v", r)
	}
}

func TestDosageFormRule(t *testing.T) {
	r := Classify(Signals{Name: "阿莫西林胶囊 500mg*20"})
	if r.Category != model.CategoryDrug || r.Confidence != 0.85 {
		t.Fatalf("dosage form missed: %+v", r)
	}
}

func TestHealthProductRule(t *testing.T) {
	r := Classify(Signals{Name: "营养补充 维生素C咀嚼片"})
	// 名称同时含剂型"片"，剂型规则优先级更高
	if r.Category != model.CategoryDrug {
		t.Fatalf("dosage form should win over health marker: %+v", r)
	}

	r = Classify(Signals{Name: "保健 蛋白粉 400g"})
	if r.Category != model.CategoryHealthProduct || r.Confidence != 0.80 {
		t.Fatalf("health product missed: %+v", r)
	}
}

func TestApprovalOverridesKeywordRules(t *testing.T) {
	// 名称看着像化妆品，但批准文号是药品 → 文号覆盖规则 2-5
	r := Classify(Signals{
		Name:           "珍珠霜面霜",
		ApprovalNumber: "国药准字H12345678",
	})
	if r.Category != model.CategoryDrug || r.Confidence != 1.00 || r.Source != model.CategorySourceBrowser {
		t.Fatalf("approval override failed: %+v", r)
	}

	cases := map[string]string{
		"国械注准20223140299": model.CategoryMedicalDevice,
		"卫妆准字29-XK-1983": model.CategoryCosmetic,
		"国食健字G20040123": model.CategoryHealthProduct,
	}
	for approval, want := range cases {
		r := Classify(Signals{Name: "某产品", ApprovalNumber: approval})
		if r.Category != want {
			t.Errorf("approval %q: got %s, want %s", approval, r.Category, want)
		}
	}
}

func TestDefaultRule(t *testing.T) {
	r := Classify(Signals{Name: "不知名商品"})
	if r.Category != model.CategoryDrug || r.Confidence != 0.50 || r.Source != "default" {
		t.Fatalf("default rule: %+v", r)
	}
}

// 分类全域性：任何输入都返回闭集内的类别与 [0,1] 置信度。
func TestClassifyTotality(t *testing.T) {
	validCategories := map[string]bool{
		model.CategoryDrug:          true,
		model.CategoryCosmetic:      true,
		model.CategoryMedicalDevice: true,
		model.CategoryHealthProduct: true,
		model.CategoryUnknown:       true,
	}

	inputs := []Signals{
		{},
		{Name: ""},
		{Name: "x"},
		{Name: "阿莫西林胶囊", Manufacturer: "华北制药", ApprovalNumber: "国药准字H13020770"},
		{Name: "!!!###", ApprovalNumber: "garbage"},
		{CategoryHint: "cosmetic"},
		{CategoryHint: "nonsense"},
	}
	for _, sig := range inputs {
		r := Classify(sig)
		if !validCategories[r.Category] {
			t.Errorf("category out of closed set: %+v", r)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			t.Errorf("confidence out of range: %+v", r)
		}
		if r.Source == "" {
			t.Errorf("missing source: %+v", r)
		}
	}
}

// 稳定性：同一输入两次分类结果一致；Stronger 只允许置信度单调上升。
func TestClassifyStableAndMonotonic(t *testing.T) {
	sig := Signals{Name: "阿莫西林胶囊"}
	first := Classify(sig)
	second := Classify(sig)
	if first != second {
		t.Fatalf("classification not stable: %+v vs %+v", first, second)
	}

	weak := Result{Category: model.CategoryDrug, Confidence: 0.50, Source: "default"}
	strong := Result{Category: model.CategoryDrug, Confidence: 1.00, Source: model.CategorySourceBrowser}
	if got := Stronger(weak, strong); got != strong {
		t.Errorf("Stronger should upgrade: %+v", got)
	}
	if got := Stronger(strong, weak); got != strong {
		t.Errorf("Stronger must not downgrade: %+v", got)
	}
}

// 场景：同名药材的化妆品与处方药必须分到不同类别。
func TestMixedCategoryScenario(t *testing.T) {
	cosmetic := Classify(Signals{Name: "皇后牌 片仔癀 珍珠霜 25g"})
	drug := Classify(Signals{Name: "片仔癀 3g*1粒(RX)"})

	if cosmetic.Category != model.CategoryCosmetic || cosmetic.Confidence < 0.90 {
		t.Fatalf("cosmetic: %+v", cosmetic)
	}
	if drug.Category != model.CategoryDrug || drug.Confidence != 1.00 {
		t.Fatalf("drug: %+v", drug)
	}
}
