package schema

import (
	"fmt"
	"strings"
)

// ParseEngine parses the engine string reported by system.tables. The live
// database emits several dialects the code never writes:
//
//   - Replicated…/Shared… prefixes on cloud and replicated deployments,
//     whose leading ZooKeeper-path arguments are quoted strings;
//   - S3Queue parameter lists where credentials sit between path and format,
//     or the literal NOSIGN, or nothing at all (public bucket);
//   - '[HIDDEN]' in credential positions, backslash-escaped quotes, and the
//     bare null sentinel.
func ParseEngine(s string) (Engine, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty engine string")
	}

	name, rawArgs, err := splitEngine(s)
	if err != nil {
		return nil, err
	}

	replicated := false
	for _, prefix := range []string{"Replicated", "Shared"} {
		if strings.HasPrefix(name, prefix) && name != prefix {
			name = strings.TrimPrefix(name, prefix)
			replicated = true
			break
		}
	}

	args, err := tokenizeArgs(rawArgs)
	if err != nil {
		return nil, fmt.Errorf("engine %q: %w", s, err)
	}
	if replicated {
		// Replicated variants prepend the keeper path and replica name, both
		// quoted. Drop them; they are deployment detail, not identity.
		for len(args) > 0 && args[0].quoted && looksLikeKeeperArg(args[0].value) {
			args = args[1:]
		}
	}

	switch name {
	case "MergeTree":
		return MergeTreeEngine{}, nil
	case "AggregatingMergeTree":
		return AggregatingMergeTreeEngine{}, nil
	case "SummingMergeTree":
		return SummingMergeTreeEngine{}, nil
	case "ReplacingMergeTree":
		e := ReplacingMergeTreeEngine{}
		// ver and is_deleted are bare column identifiers.
		var bare []string
		for _, a := range args {
			if !a.quoted && !a.isNull() {
				bare = append(bare, a.value)
			}
		}
		if len(bare) > 0 {
			e.Ver = &bare[0]
		}
		if len(bare) > 1 {
			e.IsDeleted = &bare[1]
		}
		return e, nil
	case "S3Queue":
		return parseS3Queue(args)
	}
	return OtherEngine{Raw: s}, nil
}

func parseS3Queue(args []engineArg) (Engine, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("S3Queue requires at least a path")
	}
	e := S3QueueEngine{Path: args[0].value}
	rest := args[1:]

	// Drop trailing header(...) arguments before positional parsing.
	var positional []engineArg
	for _, a := range rest {
		if !a.quoted && strings.HasPrefix(a.value, "headers(") {
			continue
		}
		positional = append(positional, a)
	}

	switch {
	case len(positional) == 0:
		return nil, fmt.Errorf("S3Queue missing format")
	case !positional[0].quoted && positional[0].value == "NOSIGN":
		// Public bucket, explicit.
		positional = positional[1:]
	case len(positional) >= 3:
		// key, secret, format[, compression]. Credentials may be '[HIDDEN]'
		// or null on introspected DDL; keep them as reported.
		if !positional[0].isNull() {
			key := positional[0].value
			e.AwsKey = &key
		}
		if !positional[1].isNull() {
			secret := positional[1].value
			e.AwsSecret = &secret
		}
		positional = positional[2:]
	}

	if len(positional) == 0 {
		return nil, fmt.Errorf("S3Queue missing format")
	}
	e.Format = positional[0].value
	if len(positional) > 1 && !positional[1].isNull() {
		compression := positional[1].value
		e.Compression = &compression
	}
	return e, nil
}

func looksLikeKeeperArg(v string) bool {
	return strings.HasPrefix(v, "/") || strings.Contains(v, "{replica}") || strings.Contains(v, "{shard}")
}

type engineArg struct {
	value  string
	quoted bool
}

func (a engineArg) isNull() bool {
	return !a.quoted && strings.EqualFold(a.value, "null")
}

// splitEngine splits "Name(args…)" into name and the raw argument list.
func splitEngine(s string) (name, args string, err error) {
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return s, "", nil
	}
	if !strings.HasSuffix(s, ")") {
		return "", "", fmt.Errorf("malformed engine string %q", s)
	}
	return s[:open], s[open+1 : len(s)-1], nil
}

// tokenizeArgs splits a comma-separated argument list, honoring
// single-quoted values with backslash-escaped quotes and nested parentheses
// (headers(...)).
func tokenizeArgs(raw string) ([]engineArg, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var (
		out      []engineArg
		sb       strings.Builder
		inQuote  bool
		wasQuote bool
		depth    int
	)
	flush := func() {
		v := strings.TrimSpace(sb.String())
		if v != "" || wasQuote {
			out = append(out, engineArg{value: v, quoted: wasQuote})
		}
		sb.Reset()
		wasQuote = false
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inQuote {
			switch c {
			case '\\':
				if i+1 < len(raw) {
					i++
					sb.WriteByte(raw[i])
					continue
				}
				return nil, fmt.Errorf("dangling escape")
			case '\'':
				inQuote = false
			default:
				sb.WriteByte(c)
			}
			continue
		}
		switch c {
		case '\'':
			inQuote = true
			wasQuote = true
		case '(':
			depth++
			sb.WriteByte(c)
		case ')':
			depth--
			sb.WriteByte(c)
		case ',':
			if depth == 0 {
				flush()
			} else {
				sb.WriteByte(c)
			}
		default:
			sb.WriteByte(c)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote")
	}
	flush()
	return out, nil
}
