// Package imageref parses and renders container image references.
package imageref

import "strings"

// ImageRef is a parsed container image reference.
type ImageRef struct {
	Registry     string
	RegistryPort string
	Repository   string
	Selector     string
	Original     string
	IsLibrary    bool

	// explicitRegistry records whether Original spelled out a registry host,
	// as opposed to Registry being defaulted to docker.io by Parse. It
	// controls whether Render re-emits the host.
	explicitRegistry bool
}

// Parse splits image into its registry, repository and selector parts.
// It never fails: any string can be represented, worst case as
// {Registry: "docker.io", Repository: original, Selector: ""}.
func Parse(image string) ImageRef {
	ref := ImageRef{Original: image}

	left, right, hasSlash := strings.Cut(image, "/")
	var host, rest string
	if hasSlash && strings.Contains(left, ".") && right != "" {
		host = left
		rest = right
		ref.explicitRegistry = true
	} else {
		host = "docker.io"
		rest = image
		ref.IsLibrary = !hasSlash
	}

	if idx := strings.Index(host, ":"); idx >= 0 {
		ref.Registry = host[:idx]
		ref.RegistryPort = host[idx+1:]
	} else {
		ref.Registry = host
	}

	repo, selector := splitSelector(rest)
	ref.Repository = repo
	ref.Selector = selector
	return ref
}

// splitSelector finds the first ':' (tag) or '@' (digest) terminating the
// repository path and returns the repository and the selector including its
// separator character. A missing selector is returned as an empty string.
func splitSelector(rest string) (repo, selector string) {
	tagIdx := strings.IndexByte(rest, ':')
	digestIdx := strings.IndexByte(rest, '@')

	idx := -1
	switch {
	case tagIdx >= 0 && (digestIdx < 0 || tagIdx < digestIdx):
		idx = tagIdx
	case digestIdx >= 0:
		idx = digestIdx
	}
	if idx < 0 {
		return rest, ""
	}
	return rest[:idx], rest[idx:]
}

// Render reconstructs the original-shaped image string from its parts. For a
// reference produced by Parse with no rewriting applied, Render(Parse(s)) == s.
func (r ImageRef) Render() string {
	var b strings.Builder
	if r.explicitRegistry {
		b.WriteString(r.Registry)
		if r.RegistryPort != "" {
			b.WriteByte(':')
			b.WriteString(r.RegistryPort)
		}
		b.WriteByte('/')
	}
	b.WriteString(r.Repository)
	b.WriteString(r.Selector)
	return b.String()
}

// HostPort renders the registry host and optional port as it would appear in
// a prefix-table key, e.g. "cool.io:443".
func (r ImageRef) HostPort() string {
	if r.RegistryPort == "" {
		return r.Registry
	}
	return r.Registry + ":" + r.RegistryPort
}
