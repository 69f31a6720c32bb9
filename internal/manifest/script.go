package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var (
	resourcesDecl = regexp.MustCompile(`const\s+RESOURCES\s*=\s*`)
	coreDecl      = regexp.MustCompile(`const\s+CORE\s*=\s*`)
)

// ParseScript 从构建工具生成的 service worker 脚本中提取 RESOURCES 对象与 CORE 数组。
// 两者在生成脚本中都是合法的 JSON 字面量。
func ParseScript(raw []byte) (*Manifest, error) {
	resourcesLit, err := literalAfter(raw, resourcesDecl, '{', '}')
	if err != nil {
		return nil, fmt.Errorf("RESOURCES: %w", err)
	}
	var resources map[string]string
	if err := json.Unmarshal(resourcesLit, &resources); err != nil {
		return nil, fmt.Errorf("decode RESOURCES: %w", err)
	}

	var core []string
	coreLit, err := literalAfter(raw, coreDecl, '[', ']')
	switch {
	case err == nil:
		if err := json.Unmarshal(coreLit, &core); err != nil {
			return nil, fmt.Errorf("decode CORE: %w", err)
		}
	case errors.Is(err, errDeclMissing):
		// 旧版本生成器没有 CORE。
	default:
		return nil, fmt.Errorf("CORE: %w", err)
	}

	return New(resources, core)
}

var errDeclMissing = errors.New("declaration not found")

// literalAfter 返回 decl 之后以 open 开头、与之配对的 close 结束的片段，跳过字符串中的括号。
func literalAfter(raw []byte, decl *regexp.Regexp, open, close byte) ([]byte, error) {
	loc := decl.FindIndex(raw)
	if loc == nil {
		return nil, errDeclMissing
	}
	start := loc[1]
	if start >= len(raw) || raw[start] != open {
		return nil, fmt.Errorf("expected %q after declaration", open)
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return raw[start : i+1], nil
			}
		}
	}
	return nil, errors.New("unterminated literal")
}
