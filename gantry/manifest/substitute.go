package manifest

import (
	"fmt"
	"strings"
)

// substitution is a resolved, exact replacement inside one file.
type substitution struct {
	old string
	new string
	// byte offsets of every occurrence of old that will be replaced
	at []int
}

func (s substitution) apply(content string) string {
	var b strings.Builder
	b.Grow(len(content) + len(s.at)*(len(s.new)-len(s.old)))
	prev := 0
	for _, i := range s.at {
		b.WriteString(content[prev:i])
		b.WriteString(s.new)
		prev = i + len(s.old)
	}
	b.WriteString(content[prev:])
	return b.String()
}

// resolve decides what to replace. A literal old reference is an exact
// substring and every occurrence is replaced. Without one, the file must
// contain exactly one distinct reference to image (bare, :tag or @digest).
func resolve(content, oldRef, image, newRef string) (substitution, error) {
	switch {
	case oldRef != "" && image != "":
		return substitution{}, fmt.Errorf("%w: both an old reference and an image are configured", ErrAmbiguousReference)
	case oldRef == "" && image == "":
		return substitution{}, fmt.Errorf("%w: neither an old reference nor an image is configured", ErrAmbiguousReference)
	case oldRef != "":
		return resolveLiteral(content, oldRef, newRef)
	default:
		return resolveImage(content, image, newRef)
	}
}

func resolveLiteral(content, oldRef, newRef string) (substitution, error) {
	if oldRef == newRef {
		return substitution{}, fmt.Errorf("%w: %s already is the new reference", ErrReferenceNotFound, oldRef)
	}
	var at []int
	for off := 0; ; {
		i := strings.Index(content[off:], oldRef)
		if i < 0 {
			break
		}
		at = append(at, off+i)
		off += i + len(oldRef)
	}
	if len(at) == 0 {
		return substitution{}, fmt.Errorf("%w: %s", ErrReferenceNotFound, oldRef)
	}
	return substitution{old: oldRef, new: newRef, at: at}, nil
}

func resolveImage(content, image, newRef string) (substitution, error) {
	byRef := make(map[string][]int)
	var order []string

	for off := 0; ; {
		i := strings.Index(content[off:], image)
		if i < 0 {
			break
		}
		start := off + i
		off = start + len(image)

		if start > 0 && isRefChar(content[start-1]) {
			continue
		}
		end := start + len(image)
		for end < len(content) && !isRefTerminator(content[end]) {
			end++
		}
		if end > start+len(image) {
			if c := content[start+len(image)]; c != ':' && c != '@' {
				// another image sharing this prefix
				continue
			}
		}

		ref := content[start:end]
		if ref == newRef {
			continue
		}
		if _, seen := byRef[ref]; !seen {
			order = append(order, ref)
		}
		byRef[ref] = append(byRef[ref], start)
		off = end
	}

	switch len(order) {
	case 0:
		return substitution{}, fmt.Errorf("%w: no reference to %s", ErrReferenceNotFound, image)
	case 1:
		return substitution{old: order[0], new: newRef, at: byRef[order[0]]}, nil
	default:
		return substitution{}, fmt.Errorf("%w: %s is referenced as %s", ErrAmbiguousReference, image, strings.Join(order, ", "))
	}
}

func isRefChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '.' || c == '/' || c == '-' || c == '_'
}

func isRefTerminator(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '"', '\'', ',', ']', '}', '#':
		return true
	}
	return false
}
