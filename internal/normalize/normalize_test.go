package normalize

import (
	"testing"
)

func TestCleanCollapsesWhitespaceAndDecorations(t *testing.T) {
	cases := map[string]string{
		"  阿莫西林胶囊  ":       "阿莫西林胶囊",
		"【热销】阿莫西林胶囊":       "阿莫西林胶囊",
		"阿莫西林   胶囊":        "阿莫西林 胶囊",
		"特价 阿莫西林胶囊 包邮":     "阿莫西林胶囊",
		"片仔癀３ｇ＊１粒（ＲＸ）":     "片仔癀3g*1粒(RX)",
		"[促销] 布洛芬缓释胶囊":     "布洛芬缓释胶囊",
	}

	for input, want := range cases {
		if got := Clean(input); got != want {
			t.Errorf("Clean(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestCleanIdempotent(t *testing.T) {
	inputs := []string{
		"  阿莫西林胶囊  ",
		"【热销】片仔癀 3g*1粒(RX)",
		"皇后牌 片仔癀 珍珠霜 25g",
		"维生素C咀嚼片 100mg×60片",
		"",
		"   ",
		"500毫克*20片",
	}
	for _, input := range inputs {
		once := Clean(input)
		twice := Clean(once)
		if once != twice {
			t.Errorf("Clean not idempotent for %q: %q != %q", input, once, twice)
		}
	}
}

func TestSpecificationUnitCanonicalization(t *testing.T) {
	cases := map[string]string{
		"500毫克*20片":   "500mg*20片",
		"3克×1粒":       "3g*1粒",
		"100毫升":       "100ml",
		"0.5升":        "0.5L",
		"250MG x 12粒": "250mg*12粒",
		"3g*1粒":       "3g*1粒",
	}
	for input, want := range cases {
		if got := Specification(input); got != want {
			t.Errorf("Specification(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestSpecificationIdempotent(t *testing.T) {
	inputs := []string{"500毫克*20片", "3克×1粒", "100毫升", "3g*1粒", "10μg*7粒"}
	for _, input := range inputs {
		once := Specification(input)
		twice := Specification(once)
		if once != twice {
			t.Errorf("Specification not idempotent for %q: %q != %q", input, once, twice)
		}
	}
}

func TestNameRejectsEmpty(t *testing.T) {
	if _, err := Name("   "); err == nil {
		t.Fatal("expected error for blank name")
	}
	if _, err := Name("【热销】"); err == nil {
		t.Fatal("expected error for decoration-only name")
	}
	if got, err := Name("阿莫西林"); err != nil || got != "阿莫西林" {
		t.Fatalf("Name(阿莫西林) = %q, %v", got, err)
	}
}

func TestDeriveIdentityStable(t *testing.T) {
	a, err := DeriveIdentity("阿莫西林胶囊", "500毫克*20片", "华北制药")
	if err != nil {
		t.Fatal(err)
	}
	b, err := DeriveIdentity("  阿莫西林胶囊 ", "500mg*20片", "华北制药")
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash != b.Hash {
		t.Errorf("identical identities hash differently: %s vs %s", a.Hash, b.Hash)
	}
	if a.SimpleHash != b.SimpleHash {
		t.Errorf("simple hashes differ: %s vs %s", a.SimpleHash, b.SimpleHash)
	}

	// 不同厂家是不同身份，但 SimpleHash 相同
	c, err := DeriveIdentity("阿莫西林胶囊", "500mg*20片", "石药集团")
	if err != nil {
		t.Fatal(err)
	}
	if c.Hash == a.Hash {
		t.Error("different manufacturers must yield different identity hashes")
	}
	if c.SimpleHash != a.SimpleHash {
		t.Error("simple hash should ignore manufacturer")
	}
}

func TestExtractBrand(t *testing.T) {
	generic, brand := ExtractBrand("同仁堂 安宫牛黄丸")
	if brand != "同仁堂" || generic != "安宫牛黄丸" {
		t.Errorf("ExtractBrand = (%q, %q)", generic, brand)
	}

	generic, brand = ExtractBrand("阿莫西林胶囊")
	if brand != "" || generic != "阿莫西林胶囊" {
		t.Errorf("ExtractBrand without prefix = (%q, %q)", generic, brand)
	}
}

func TestAliasesFor(t *testing.T) {
	aliases := AliasesFor("阿莫西林胶囊 500mg")
	if len(aliases) == 0 {
		t.Fatal("expected aliases for 阿莫西林")
	}
	found := false
	for _, a := range aliases {
		if a == "阿莫仙" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected 阿莫仙 among aliases, got %v", aliases)
	}

	if aliases := AliasesFor("纱布绷带"); aliases != nil {
		t.Errorf("expected no aliases, got %v", aliases)
	}
}

func TestMatchesKeyword(t *testing.T) {
	if !MatchesKeyword("阿莫西林胶囊 500mg", "阿莫西林") {
		t.Error("expected substring match")
	}
	if !MatchesKeyword("Vitamin C Tablets", "vitamin c") {
		t.Error("expected casefolded match")
	}
	if MatchesKeyword("布洛芬缓释胶囊", "阿莫西林") {
		t.Error("unexpected match")
	}
	if MatchesKeyword("阿莫西林", "") {
		t.Error("empty keyword must not match")
	}
}
