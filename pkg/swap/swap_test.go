package swap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twr-io/imageswap-webhook/pkg/rules"
)

func mustParse(t *testing.T, mapFile string) rules.RuleTables {
	t.Helper()
	tables, err := rules.Parse(strings.NewReader(mapFile))
	require.NoError(t, err)
	return tables
}

func TestResolve(t *testing.T) {
	cases := []struct {
		name        string
		mapFile     string
		image       string
		want        string
		wantChanged bool
	}{
		{
			name:        "default prefix substitutes the registry",
			mapFile:     "default :: default.example.com",
			image:       "default.io/paulbower/hello-kubernetes:1.5",
			want:        "default.example.com/paulbower/hello-kubernetes:1.5",
			wantChanged: true,
		},
		{
			name:        "mirror mode keeps the full repository path",
			mapFile:     "docker.io :: my.example.com/mirror-",
			image:       "docker.io/tmobile/magtape:latest",
			want:        "my.example.com/mirror-docker.io/tmobile/magtape:latest",
			wantChanged: true,
		},
		{
			name:        "mirror mode on a bare library image",
			mapFile:     "docker.io :: my.example.com/mirror-",
			image:       "alpine",
			want:        "my.example.com/mirror-docker.io/alpine",
			wantChanged: true,
		},
		{
			name:        "mirror mode strips the registry port",
			mapFile:     "cool.io :: mirror.example.com/cache-",
			image:       "cool.io:443/istio/istiod",
			want:        "mirror.example.com/cache-cool.io/istio/istiod",
			wantChanged: true,
		},
		{
			name:        "exact match returns the replacement verbatim",
			mapFile:     "[EXACT] hello-world :: myownrepo.example.com/base/public-image-cache:hello-world",
			image:       "hello-world",
			want:        "myownrepo.example.com/base/public-image-cache:hello-world",
			wantChanged: true,
		},
		{
			name:        "replace glob joins the replacement with the basename",
			mapFile:     "[REPLACE] *-server:* :: myownrepo.example.com/base/public-image-cache",
			image:       "mysql/mysql-server:5.6",
			want:        "myownrepo.example.com/base/public-image-cache/mysql-server:5.6",
			wantChanged: true,
		},
		{
			name: "noswap wildcard overrides the default",
			mapFile: `default :: default.example.com
noswap_wildcards :: .external.twr.io`,
			image:       "registry.external.twr.io:443/istio/istiod:latest",
			want:        "registry.external.twr.io:443/istio/istiod:latest",
			wantChanged: false,
		},
		{
			name: "specific prefix rule beats noswap wildcard",
			mapFile: `registry.external.twr.io :: internal.example.com
noswap_wildcards :: .external.twr.io`,
			image:       "registry.external.twr.io/istio/istiod:latest",
			want:        "internal.example.com/istio/istiod:latest",
			wantChanged: true,
		},
		{
			name:        "library image prefixed under registry key",
			mapFile:     "docker.io :: my.example.com/cache",
			image:       "nginx",
			want:        "my.example.com/cache/nginx",
			wantChanged: true,
		},
		{
			name:        "library image with tag",
			mapFile:     "docker.io/library :: my.example.com/library-cache",
			image:       "rabbitmq:3.8.18-management",
			want:        "my.example.com/library-cache/rabbitmq:3.8.18-management",
			wantChanged: true,
		},
		{
			name: "host with port is preferred over the bare host",
			mapFile: `cool.io :: wrong.example.com
cool.io:443 :: right.example.com`,
			image:       "cool.io:443/istio/istiod",
			want:        "right.example.com/istio/istiod",
			wantChanged: true,
		},
		{
			name:        "bare host matches when the port key is absent",
			mapFile:     "cool.io :: my.example.com",
			image:       "cool.io:443/istio/istiod",
			want:        "my.example.com:443/istio/istiod",
			wantChanged: true,
		},
		{
			name:        "digest selector is preserved verbatim",
			mapFile:     "default :: default.example.com",
			image:       "quay.io/base/image@sha256:abcd1234",
			want:        "default.example.com/base/image@sha256:abcd1234",
			wantChanged: true,
		},
		{
			name:        "missing default leaves the image unchanged",
			mapFile:     "docker.io :: my.example.com",
			image:       "quay.io/prometheus/busybox:latest",
			want:        "quay.io/prometheus/busybox:latest",
			wantChanged: false,
		},
		{
			name:        "empty default leaves the image unchanged",
			mapFile:     "default ::",
			image:       "quay.io/prometheus/busybox:latest",
			want:        "quay.io/prometheus/busybox:latest",
			wantChanged: false,
		},
		{
			name:        "empty registry map value skips the swap",
			mapFile:     "docker.io ::",
			image:       "docker.io/tmobile/magtape:latest",
			want:        "docker.io/tmobile/magtape:latest",
			wantChanged: false,
		},
		{
			name: "exact beats replace",
			mapFile: `[EXACT] mysql/mysql-server:5.6 :: exact.example.com/pinned
[REPLACE] *-server:* :: replace.example.com`,
			image:       "mysql/mysql-server:5.6",
			want:        "exact.example.com/pinned",
			wantChanged: true,
		},
		{
			name: "replace beats prefix",
			mapFile: `[REPLACE] *-server:* :: replace.example.com
default :: default.example.com`,
			image:       "mysql/mysql-server:5.6",
			want:        "replace.example.com/mysql-server:5.6",
			wantChanged: true,
		},
		{
			name: "first matching replace rule wins",
			mapFile: `[REPLACE] mysql/* :: first.example.com
[REPLACE] *-server:* :: second.example.com`,
			image:       "mysql/mysql-server:5.6",
			want:        "first.example.com/mysql-server:5.6",
			wantChanged: true,
		},
		{
			name:        "prefix key substituted in place keeps the tag",
			mapFile:     "quay.io :: my.example.com/quay",
			image:       "quay.io/prometheus/busybox:latest",
			want:        "my.example.com/quay/prometheus/busybox:latest",
			wantChanged: true,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tables := mustParse(t, c.mapFile)
			got := Resolve(c.image, tables)
			assert.Equal(t, c.want, got.New)
			assert.Equal(t, c.wantChanged, got.Changed)
			if !got.Changed {
				assert.Equal(t, c.image, got.New, "an unchanged verdict must return the input verbatim")
			}
		})
	}
}

func TestResolveIsIdempotentAfterConvergence(t *testing.T) {
	tables := mustParse(t, `default :: default.example.com
docker.io :: my.example.com/mirror-
[EXACT] hello-world :: default.example.com/base/hello-world`)

	for _, image := range []string{
		"default.io/paulbower/hello-kubernetes:1.5",
		"hello-world",
		"quay.io/prometheus/busybox:latest",
	} {
		first := Resolve(image, tables)
		second := Resolve(first.New, tables)
		assert.Equal(t, first.New, second.New, "re-swapping a converged image must not change it again: %s", image)
	}
}

func TestWildcardMatch(t *testing.T) {
	cases := []struct {
		pattern string
		input   string
		want    bool
	}{
		{"*-server:*", "mysql/mysql-server:5.6", true},
		{"*-server:*", "mysql/mysql-server", false},
		{"mysql/*", "mysql/mysql-server:5.6", true},
		{"nginx", "nginx", true},
		{"ngin?", "nginx", true},
		{"ngin?", "nginxx", false},
		{"*", "anything/at:all", true},
		{"", "", true},
		{"", "x", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, wildcardMatch(c.pattern, c.input), "pattern %q against %q", c.pattern, c.input)
	}
}

func TestLegacyResolve(t *testing.T) {
	cases := []struct {
		name        string
		prefix      string
		image       string
		want        string
		wantChanged bool
	}{
		{
			name:        "empty prefix skips the swap",
			prefix:      "",
			image:       "nginx",
			want:        "nginx",
			wantChanged: false,
		},
		{
			name:        "internal image is left alone",
			prefix:      "my.example.com",
			image:       "my.example.com/nginx",
			want:        "my.example.com/nginx",
			wantChanged: false,
		},
		{
			name:        "trailing dash concatenates",
			prefix:      "my.example.com/mirror-",
			image:       "docker.io/tmobile/magtape:latest",
			want:        "my.example.com/mirror-docker.io/tmobile/magtape:latest",
			wantChanged: true,
		},
		{
			name:        "bare image is slash-joined",
			prefix:      "my.example.com",
			image:       "nginx",
			want:        "my.example.com/nginx",
			wantChanged: true,
		},
		{
			name:        "namespaced image keeps only its basename",
			prefix:      "my.example.com",
			image:       "docker.io/tmobile/magtape:latest",
			want:        "my.example.com/magtape:latest",
			wantChanged: true,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := LegacyResolve(c.image, c.prefix)
			assert.Equal(t, c.want, got.New)
			assert.Equal(t, c.wantChanged, got.Changed)
		})
	}
}
