package vpn

import (
	"bufio"
	"fmt"
	"sort"
	"strings"
)

// ParseOpenVPN parses directives and inline blocks. Provider templates may
// omit remote and dev, which rendering supplies.
func ParseOpenVPN(raw string) (*OpenVPNConfig, error) {
	directives := make(map[string][]string)
	inlineBlocks := make(map[string]string)

	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 1024), 1024*1024)

	lineNum := 0
	activeBlock := ""
	blockLines := make([]string, 0)

	for scanner.Scan() {
		lineNum++
		rawLine := scanner.Text()
		line := strings.TrimSpace(rawLine)

		if activeBlock != "" {
			if strings.EqualFold(line, "</"+activeBlock+">") {
				inlineBlocks[activeBlock] = strings.Join(blockLines, "\n")
				activeBlock = ""
				blockLines = blockLines[:0]
				continue
			}
			blockLines = append(blockLines, rawLine)
			continue
		}

		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "</") {
			return nil, fmt.Errorf("line %d: unexpected closing block", lineNum)
		}
		if strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">") {
			blockName := strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			if blockName == "" || strings.Contains(blockName, " ") {
				return nil, fmt.Errorf("line %d: invalid inline block name", lineNum)
			}
			activeBlock = blockName
			blockLines = blockLines[:0]
			continue
		}

		key, value := directive(line)
		directives[key] = append(directives[key], value)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if activeBlock != "" {
		return nil, fmt.Errorf("unclosed inline block <%s>", activeBlock)
	}
	if _, ok := directives["client"]; !ok {
		if _, pull := directives["pull"]; !pull {
			return nil, fmt.Errorf("'client' directive is required")
		}
	}
	return &OpenVPNConfig{Directives: directives, InlineBlocks: inlineBlocks}, nil
}

func directive(line string) (string, string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", ""
	}
	key := strings.ToLower(fields[0])
	value := ""
	if len(fields) > 1 {
		value = strings.TrimSpace(line[len(fields[0]):])
	}
	return key, value
}

// Remote returns the first remote host and port, if any.
func (c *OpenVPNConfig) Remote() (string, string) {
	if c == nil || len(c.Directives["remote"]) == 0 {
		return "", ""
	}
	fields := strings.Fields(c.Directives["remote"][0])
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], fields[1]
	}
}

// RequiredFiles lists the external files the config references, skipping
// material provided inline.
func (c *OpenVPNConfig) RequiredFiles() ([]string, error) {
	if c == nil {
		return nil, nil
	}
	needsFile := map[string]bool{
		"ca":             true,
		"cert":           true,
		"key":            true,
		"pkcs12":         true,
		"tls-auth":       true,
		"tls-crypt":      true,
		"tls-crypt-v2":   true,
		"auth-user-pass": true,
		"secret":         true,
		"crl-verify":     true,
	}
	inlineBlock := map[string]bool{
		"ca":           true,
		"cert":         true,
		"key":          true,
		"tls-auth":     true,
		"tls-crypt":    true,
		"tls-crypt-v2": true,
		"secret":       true,
	}

	seen := make(map[string]struct{})
	for key, values := range c.Directives {
		if !needsFile[key] {
			continue
		}
		if inlineBlock[key] && c.InlineBlocks[key] != "" {
			continue
		}
		for _, raw := range values {
			token := strings.Trim(firstToken(raw), `"'`)
			if key == "auth-user-pass" && token == "" {
				continue
			}
			if token == "" {
				return nil, fmt.Errorf("openvpn directive %q requires a file", key)
			}
			seen[token] = struct{}{}
		}
	}
	required := make([]string, 0, len(seen))
	for name := range seen {
		required = append(required, name)
	}
	sort.Strings(required)
	return required, nil
}

func firstToken(value string) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
