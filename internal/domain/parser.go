package domain

import "strings"

// WildcardPrefix 通配符域名前缀
const WildcardPrefix = "*."

// ExpandWildcards 展开通配符域名
// 例如: [*.example.com] -> [*.example.com, example.com]
// 保持原有顺序，去除重复项（忽略大小写）
func ExpandWildcards(domains []string) []string {
	seen := make(map[string]bool, len(domains)*2)
	result := make([]string, 0, len(domains)*2)

	add := func(d string) {
		key := strings.ToLower(d)
		if seen[key] {
			return
		}
		seen[key] = true
		result = append(result, d)
	}

	for _, d := range domains {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		add(d)
		if IsWildcard(d) {
			add(strings.TrimPrefix(d, WildcardPrefix))
		}
	}

	return result
}

// IsWildcard 检查是否为通配符域名
func IsWildcard(domain string) bool {
	return strings.HasPrefix(domain, WildcardPrefix)
}

// ExtractMainDomain 从完整域名提取主域名
// 例如: www.example.com -> example.com, sub.test.example.com -> example.com
func ExtractMainDomain(domain string) string {
	domain = strings.TrimSuffix(domain, ".")
	parts := strings.Split(domain, ".")
	if len(parts) >= 2 {
		return parts[len(parts)-2] + "." + parts[len(parts)-1]
	}
	return domain
}

// ExtractSubDomain 提取子域名部分（用于DNS记录的RR值）
// 例如: _acme-challenge.www.example.com 中提取 _acme-challenge.www
func ExtractSubDomain(fullRecord, mainDomain string) string {
	fullRecord = strings.TrimSuffix(fullRecord, ".")
	if strings.HasSuffix(fullRecord, "."+mainDomain) {
		return strings.TrimSuffix(fullRecord, "."+mainDomain)
	}
	return fullRecord
}

// MatchDomain 检查证书域名是否覆盖目标域名（支持通配符）
// 通配符只匹配一级子域名: *.example.com 覆盖 www.example.com，不覆盖 example.com 和 a.b.example.com
func MatchDomain(certDomain, targetDomain string) bool {
	certDomain = strings.ToLower(certDomain)
	targetDomain = strings.ToLower(targetDomain)

	// 完全匹配
	if certDomain == targetDomain {
		return true
	}

	// 通配符匹配
	if IsWildcard(certDomain) && !IsWildcard(targetDomain) {
		base := strings.TrimPrefix(certDomain, WildcardPrefix)
		label, ok := strings.CutSuffix(targetDomain, "."+base)
		return ok && label != "" && !strings.Contains(label, ".")
	}

	return false
}

// CoversAll 检查证书域名列表是否覆盖所有目标域名
func CoversAll(certDomains, targets []string) bool {
	for _, target := range targets {
		matched := false
		for _, certDomain := range certDomains {
			if MatchDomain(certDomain, target) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
