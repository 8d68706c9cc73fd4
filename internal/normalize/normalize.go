package normalize

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"

	"pharmwatch/internal/errs"
)

// 本包实现纯函数式的字符串标准化：清洗名称与规格、统一单位、
// 派生药品身份三元组。所有函数满足幂等性 normalize(normalize(x)) == normalize(x)。

// 常见品牌前缀（名称开头的厂商商标），用于通用名提取。
var brandPrefixes = []string{
	"999", "三九", "同仁堂", "云南白药", "修正", "哈药", "华润",
	"太极", "康恩贝", "白云山", "仁和", "葵花", "江中", "东阿",
	"片仔癀", "马应龙", "以岭", "步长", "天士力", "扬子江",
}

// 通用名 -> 别名列表，用于搜索扩展（写入 DrugAlias 表）。
var drugAliases = map[string][]string{
	"阿莫西林":   {"阿莫仙", "阿莫灵", "弗莱莫星", "再林"},
	"布洛芬":    {"芬必得", "美林", "恬倩", "托恩"},
	"对乙酰氨基酚": {"扑热息痛", "泰诺林", "必理通", "百服宁"},
	"头孢克洛":   {"希刻劳", "可福乐"},
	"氯雷他定":   {"开瑞坦", "克敏能", "百为坦"},
	"西替利嗪":   {"仙特明", "西可韦", "斯特林"},
	"奥美拉唑":   {"洛赛克", "奥克"},
	"阿奇霉素":   {"希舒美", "泰力特", "维宏"},
	"左氧氟沙星":  {"可乐必妥", "利复星", "来立信"},
	"维生素C":   {"维C", "VC", "抗坏血酸"},
}

// 上游常见的促销装饰词，出现在名称中时整体剔除。
var decorativeTags = []string{
	"热销", "包邮", "特价", "促销", "新品上市", "正品保证", "秒杀", "清仓",
}

var (
	wsRe         = regexp.MustCompile(`\s+`)
	bracketTagRe = regexp.MustCompile(`【[^】]*】|\[[^\]]*\]`)
	// 数字+单位，用于规格单位统一
	unitRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(毫克|MG|mg|千克|KG|kg|微克|μg|ug|UG|毫升|mL|ML|ml|克|G|g|升|L|l)`)
	multRe = regexp.MustCompile(`\s*[×xX*]\s*`)
)

// 单位到规范形式的映射。规范集合为 {mg, g, kg, ug, ml, L}。
var canonicalUnits = map[string]string{
	"毫克": "mg", "MG": "mg", "mg": "mg",
	"千克": "kg", "KG": "kg", "kg": "kg",
	"微克": "ug", "μg": "ug", "ug": "ug", "UG": "ug",
	"毫升": "ml", "mL": "ml", "ML": "ml", "ml": "ml",
	"克": "g", "G": "g", "g": "g",
	"升": "L", "L": "L", "l": "L",
}

// Identity 是药品的身份三元组及其哈希。
type Identity struct {
	Name          string // 标准化名称
	Specification string // 标准化规格
	Manufacturer  string // 标准化厂家
	Hash          string // 三元组哈希（Drug 唯一索引）
	SimpleHash    string // 名称+规格哈希（近似匹配）
}

// Clean 执行基础清洗：全角转半角、去首尾空格、压缩连续空白、
// 剔除【】装饰段与促销词。保留 (RX) 等语义标记。
func Clean(s string) string {
	s = fullToHalf(s)
	s = bracketTagRe.ReplaceAllString(s, " ")
	for _, tag := range decorativeTags {
		s = strings.ReplaceAll(s, tag, " ")
	}
	s = wsRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Name 标准化药品名称。清洗后为空则返回 NormalizationError。
func Name(s string) (string, error) {
	cleaned := Clean(s)
	if cleaned == "" {
		return "", &errs.NormalizationError{Input: s}
	}
	return cleaned, nil
}

// Specification 标准化规格字符串：
// 清洗 + 单位统一（毫克→mg 等）+ 统一乘号，保留 "A*B粒" 包装结构。
func Specification(s string) string {
	cleaned := Clean(s)
	if cleaned == "" {
		return ""
	}
	cleaned = unitRe.ReplaceAllStringFunc(cleaned, func(m string) string {
		parts := unitRe.FindStringSubmatch(m)
		unit, ok := canonicalUnits[parts[2]]
		if !ok {
			return m
		}
		return parts[1] + unit
	})
	cleaned = multRe.ReplaceAllString(cleaned, "*")
	return cleaned
}

// Manufacturer 标准化厂家名称。
func Manufacturer(s string) string {
	return Clean(s)
}

// Keyword 标准化用于匹配的关键词：清洗 + 小写折叠。
func Keyword(s string) string {
	return strings.ToLower(Clean(s))
}

// DeriveIdentity 派生身份三元组及哈希。名称非法时返回错误。
func DeriveIdentity(name, spec, manufacturer string) (Identity, error) {
	n, err := Name(name)
	if err != nil {
		return Identity{}, err
	}
	sp := Specification(spec)
	mf := Manufacturer(manufacturer)
	return Identity{
		Name:          n,
		Specification: sp,
		Manufacturer:  mf,
		Hash:          hashOf(n, sp, mf),
		SimpleHash:    hashOf(n, sp),
	}, nil
}

// ExtractBrand 从名称中分离品牌前缀，返回 (通用名, 品牌)。
// 无品牌前缀时品牌为空字符串。
func ExtractBrand(name string) (string, string) {
	cleaned := Clean(name)
	for _, prefix := range brandPrefixes {
		if strings.HasPrefix(cleaned, prefix+" ") {
			return strings.TrimSpace(cleaned[len(prefix)+1:]), prefix
		}
		if strings.HasPrefix(cleaned, prefix) && len(cleaned) > len(prefix) {
			return strings.TrimSpace(cleaned[len(prefix):]), prefix
		}
	}
	return cleaned, ""
}

// AliasesFor 返回名称中命中的通用名别名，用于 DrugAlias 写入。
func AliasesFor(name string) []string {
	cleaned := Clean(name)
	for generic, aliases := range drugAliases {
		if strings.Contains(cleaned, generic) {
			return aliases
		}
		for _, alias := range aliases {
			if strings.Contains(cleaned, alias) {
				out := []string{generic}
				for _, a := range aliases {
					if a != alias {
						out = append(out, a)
					}
				}
				return out
			}
		}
	}
	return nil
}

// MatchesKeyword 判断标准化后的名称是否包含标准化后的关键词（子串匹配）。
func MatchesKeyword(name, keyword string) bool {
	k := Keyword(keyword)
	if k == "" {
		return false
	}
	return strings.Contains(Keyword(name), k)
}

func hashOf(parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// fullToHalf 将全角 ASCII 字符转为半角，统一括号与空格。
func fullToHalf(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == 0x3000: // 全角空格
			b.WriteRune(' ')
		case r >= 0xFF01 && r <= 0xFF5E:
			b.WriteRune(r - 0xFEE0)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
