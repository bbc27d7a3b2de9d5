// Package translate rewrites OpenCL C kernel source into CUDA C that nvcc accepts.
//
// The rewrite is syntactic: comments are stripped, kernel signatures are located and
// parsed for parameter metadata, and OpenCL qualifiers are mapped onto their CUDA
// counterparts. Kernel bodies are left alone apart from qualifier keywords; the prelude
// supplies the OpenCL work-item builtins in terms of CUDA's thread indices.
package translate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrUnbalanced   = errors.New("unbalanced parentheses or braces")
	ErrUnnamed      = errors.New("kernel without a name")
	ErrDuplicateArg = errors.New("duplicate parameter name")
)

// Result is a translated translation unit.
type Result struct {
	Source  string
	Kernels []KernelInfo
}

// Find returns the metadata of the named kernel entry point.
func (r *Result) Find(entry string) (*KernelInfo, bool) {
	for i := range r.Kernels {
		if r.Kernels[i].Name == entry {
			return &r.Kernels[i], true
		}
	}
	return nil, false
}

var (
	kernelHead = regexp.MustCompile(`\b(?:__kernel|kernel)\s+(?:__attribute__\s*\(\([^;{]*?\)\)\s*)*void\b\s*([A-Za-z_]\w*)?\s*\(`)
	identRe    = regexp.MustCompile(`[A-Za-z_]\w*`)

	kernelQualifier = regexp.MustCompile(`\b(?:__kernel|kernel)(\s+(?:__attribute__\s*\(\([^;{]*?\)\)\s*)*void\b)`)
	dropQualifiers  = regexp.MustCompile(`\b(?:__global|global|__private|private|__read_only|read_only|__write_only|write_only|__read_write|read_write)\b[ \t]*`)
	constantSpace   = regexp.MustCompile(`\b(?:__constant|constant)\b`)
	localSpace      = regexp.MustCompile(`\b(?:__local|local)\b`)
	opaqueTypes     = regexp.MustCompile(`\b(?:image1d_t|image2d_t|image3d_t|sampler_t)\b`)
	constKeyword    = regexp.MustCompile(`\bconst\b`)
)

// Translate converts OpenCL C source into CUDA C and extracts per-kernel parameter
// metadata.
func Translate(src string) (*Result, error) {
	clean := StripComments(src)
	if err := checkBalanced(clean); err != nil {
		return nil, err
	}

	res := &Result{}
	var out strings.Builder
	out.WriteString(Prelude)

	last := 0
	for _, loc := range kernelHead.FindAllStringSubmatchIndex(clean, -1) {
		if loc[2] < 0 {
			return nil, fmt.Errorf("%w at offset %d", ErrUnnamed, loc[0])
		}
		name := clean[loc[2]:loc[3]]
		open := loc[1] - 1
		closing := matchParen(clean, open)
		if closing < 0 {
			return nil, ErrUnbalanced
		}

		info, err := parseParams(name, clean[open+1:closing])
		if err != nil {
			return nil, err
		}
		res.Kernels = append(res.Kernels, *info)

		out.WriteString(rewriteBody(clean[last : open+1]))
		out.WriteString(rewriteParams(clean[open+1 : closing]))
		last = closing
	}
	out.WriteString(rewriteBody(clean[last:]))

	res.Source = out.String()
	return res, nil
}

func rewriteBody(s string) string {
	s = kernelQualifier.ReplaceAllString(s, `extern "C" __global__$1`)
	s = dropQualifiers.ReplaceAllString(s, "")
	s = constantSpace.ReplaceAllString(s, "__constant__")
	s = localSpace.ReplaceAllString(s, "__shared__")
	return opaqueTypes.ReplaceAllString(s, "void*")
}

func rewriteParams(s string) string {
	parts := splitParams(s)
	for i, p := range parts {
		hasConstant := constantSpace.MatchString(p)
		p = constantSpace.ReplaceAllString(p, "")
		p = localSpace.ReplaceAllString(p, "")
		p = dropQualifiers.ReplaceAllString(p, "")
		p = opaqueTypes.ReplaceAllString(p, "void*")
		p = strings.TrimSpace(p)
		if hasConstant && !constKeyword.MatchString(p) {
			p = "const " + p
		}
		parts[i] = p
	}
	return strings.Join(parts, ", ")
}

func splitParams(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, c := range s {
		switch c {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" || len(parts) > 0 {
		parts = append(parts, s[start:])
	}
	return parts
}

func parseParams(kernel, list string) (*KernelInfo, error) {
	info := &KernelInfo{Name: kernel}
	parts := splitParams(list)
	if len(parts) == 1 && strings.TrimSpace(parts[0]) == "void" {
		return info, nil
	}

	seen := make(map[string]bool, len(parts))
	for i, part := range parts {
		p, err := parseParam(part)
		if err != nil {
			return nil, fmt.Errorf("kernel %s, parameter %d: %w", kernel, i, err)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("kernel %s: %w %q", kernel, ErrDuplicateArg, p.Name)
		}
		seen[p.Name] = true
		info.Params = append(info.Params, p)
	}
	return info, nil
}

func parseParam(decl string) (Param, error) {
	p := Param{AddressSpace: Private, Type: Other, Access: AccessNone}
	pointer := strings.Contains(decl, "*") || strings.Contains(decl, "[")
	explicitAS, isConst := false, false
	var explicitAccess Access

	idents := identRe.FindAllString(decl, -1)
	if len(idents) < 2 {
		return p, fmt.Errorf("cannot parse declaration %q", strings.TrimSpace(decl))
	}
	for _, tok := range idents[:len(idents)-1] {
		switch tok {
		case "__global", "global":
			p.AddressSpace, explicitAS = Global, true
		case "__local", "local":
			p.AddressSpace, explicitAS = Local, true
		case "__constant", "constant":
			p.AddressSpace, explicitAS = Constant, true
		case "__private", "private":
			p.AddressSpace, explicitAS = Private, true
		case "__read_only", "read_only":
			explicitAccess = ReadOnly
		case "__write_only", "write_only":
			explicitAccess = WriteOnly
		case "__read_write", "read_write":
			explicitAccess = ReadWrite
		case "const":
			isConst = true
		case "image1d_t":
			p.Type = Image1D
		case "image2d_t":
			p.Type = Image2D
		case "image3d_t":
			p.Type = Image3D
		case "sampler_t":
			p.Type = Sampler
		}
	}
	p.Name = idents[len(idents)-1]

	switch {
	case p.Type.IsImage():
		p.AddressSpace = Global
		p.Access = ReadOnly
		if explicitAccess != AccessNone {
			p.Access = explicitAccess
		}
	case p.Type == Sampler:
	case pointer:
		p.Type = Buffer
		if !explicitAS {
			p.AddressSpace = Global
		}
		switch {
		case explicitAccess != AccessNone:
			p.Access = explicitAccess
		case isConst || p.AddressSpace == Constant:
			p.Access = ReadOnly
		default:
			p.Access = ReadWrite
		}
	}
	return p, nil
}

// StripComments removes // and /* */ comments, keeping string and character literals
// intact. Block comments are replaced by their newlines so line numbers survive.
func StripComments(src string) string {
	var b strings.Builder
	b.Grow(len(src))
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '"' || c == '\'':
			j := i + 1
			for j < len(src) && src[j] != c && src[j] != '\n' {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(src) {
				j = len(src) - 1
			}
			b.WriteString(src[i : j+1])
			i = j
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			if i < len(src) {
				b.WriteByte('\n')
			}
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				end = len(src) - i - 2
			}
			b.WriteString(strings.Repeat("\n", strings.Count(src[i:i+2+end], "\n")))
			b.WriteByte(' ')
			i += end + 3
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func checkBalanced(s string) error {
	var stack []byte
	pairs := map[byte]byte{')': '(', '}': '{', ']': '['}
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\'':
			for i++; i < len(s) && s[i] != c && s[i] != '\n'; i++ {
				if s[i] == '\\' {
					i++
				}
			}
		case '(', '{', '[':
			stack = append(stack, c)
		case ')', '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[c] {
				return fmt.Errorf("%w: unexpected %q at offset %d", ErrUnbalanced, c, i)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return fmt.Errorf("%w: %d unclosed", ErrUnbalanced, len(stack))
	}
	return nil
}

func matchParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
