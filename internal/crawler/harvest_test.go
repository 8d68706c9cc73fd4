package crawler

import (
	"testing"
)

func TestParsePriceCents(t *testing.T) {
	cases := []struct {
		input string
		want  int64
		ok    bool
	}{
		{"¥12.50", 1250, true},
		{"￥ 8", 800, true},
		{"1,234.5", 123450, true},
		{"0.99", 99, true},
		{"12", 1200, true},
		{"价格面议", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParsePriceCents(tc.input)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParsePriceCents(%q) = (%d, %v), want (%d, %v)", tc.input, got, ok, tc.want, tc.ok)
		}
	}
}

func TestBuildSearchURL(t *testing.T) {
	url := BuildSearchURL("https://dian.ysbang.cn/", "阿莫西林 胶囊")
	if url != "https://dian.ysbang.cn/#/search?keyword=%E9%98%BF%E8%8E%AB%E8%A5%BF%E6%9E%97%20%E8%83%B6%E5%9B%8A" {
		t.Errorf("unexpected url: %s", url)
	}
}

func TestBuildDetailURL(t *testing.T) {
	url := BuildDetailURL("https://dian.ysbang.cn", 12345)
	if url != "https://dian.ysbang.cn/#/drug/12345" {
		t.Errorf("unexpected url: %s", url)
	}
}

func TestFindApprovalInJSON(t *testing.T) {
	// 常见字段名直接命中
	raw := []byte(`{"data": {"drug": {"approvalNumber": "国药准字H13020770", "name": "阿莫西林"}}}`)
	if got := findApprovalInJSON(raw); got != "国药准字H13020770" {
		t.Errorf("got %q", got)
	}

	// 字段名未知但值形状匹配
	raw = []byte(`{"info": ["说明", "国械注准20223140299"]}`)
	if got := findApprovalInJSON(raw); got == "" {
		t.Error("value-shaped approval missed")
	}

	// 无批准文号
	raw = []byte(`{"data": {"price": 12.5}}`)
	if got := findApprovalInJSON(raw); got != "" {
		t.Errorf("false positive: %q", got)
	}

	// 非法 JSON
	if got := findApprovalInJSON([]byte("{broken")); got != "" {
		t.Errorf("broken json must yield empty, got %q", got)
	}
}

func TestClassifyHarvestError(t *testing.T) {
	cases := map[string]string{
		"blocked_page: cloudflare_challenge": "blocked",
		"navigate timeout: context deadline exceeded": "timeout",
		"navigate: net::ERR_CONNECTION_RESET":         "network_error",
		"extract card failed":                         "parse_error",
		"something odd":                               "unknown",
	}
	for msg, want := range cases {
		if got := classifyHarvestError(errFromString(msg)); got != want {
			t.Errorf("classify(%q) = %s, want %s", msg, got, want)
		}
	}
}

type stringError string

func (e stringError) Error() string { return string(e) }

func errFromString(s string) error { return stringError(s) }
