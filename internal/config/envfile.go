package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadEnvFile reads KEY=VALUE pairs for the child environment. Blank lines
// and # comments are skipped, an "export " prefix is accepted and values may
// be single or double quoted. Unquoted and double-quoted values expand
// ${VAR} references from the current environment.
func LoadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	values := make(map[string]string)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		if strings.HasPrefix(raw, "export ") {
			raw = strings.TrimSpace(raw[len("export "):])
		}
		sep := strings.IndexRune(raw, '=')
		if sep <= 0 {
			return nil, fmt.Errorf("load env file %q: invalid line %d", path, lineNo)
		}
		key := strings.TrimSpace(raw[:sep])
		if key == "" {
			return nil, fmt.Errorf("load env file %q: invalid key on line %d", path, lineNo)
		}
		value, err := parseEnvValue(strings.TrimSpace(raw[sep+1:]))
		if err != nil {
			return nil, fmt.Errorf("load env file %q: %s on line %d: %w", path, key, lineNo, err)
		}
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	return values, nil
}

func parseEnvValue(value string) (string, error) {
	switch {
	case strings.HasPrefix(value, "\""):
		end := closingDoubleQuote(value)
		if end < 0 {
			return "", fmt.Errorf("unmatched quote")
		}
		if err := checkTrailer(value[end+1:]); err != nil {
			return "", err
		}
		unquoted, err := strconv.Unquote(value[:end+1])
		if err != nil {
			return "", fmt.Errorf("parse value: %w", err)
		}
		return os.ExpandEnv(unquoted), nil
	case strings.HasPrefix(value, "'"):
		end := strings.IndexByte(value[1:], '\'')
		if end < 0 {
			return "", fmt.Errorf("unmatched quote")
		}
		end++
		if err := checkTrailer(value[end+1:]); err != nil {
			return "", err
		}
		return value[1:end], nil
	default:
		if comment := strings.IndexRune(value, '#'); comment >= 0 {
			value = strings.TrimSpace(value[:comment])
		}
		return os.ExpandEnv(value), nil
	}
}

func closingDoubleQuote(value string) int {
	for i := 1; i < len(value); i++ {
		switch value[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}

// checkTrailer accepts only whitespace or a comment after a quoted value.
func checkTrailer(rest string) error {
	rest = strings.TrimSpace(rest)
	if rest == "" || strings.HasPrefix(rest, "#") {
		return nil
	}
	return fmt.Errorf("unexpected text %q after quoted value", rest)
}
