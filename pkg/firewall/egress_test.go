package firewall

import (
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEgress_DenyCloud(t *testing.T) {
	e := NewEgress(Policy{DenyCloud: true, LANHosts: []string{"gpu-box"}})

	allowed := []string{
		"http://127.0.0.1:1234/v1",
		"http://127.8.0.1",
		"http://localhost:11434",
		"http://[::1]:8080",
		"http://studio.local:1234",
		"https://lan-rig:8443",
		"http://GPU-BOX:9000",
	}
	for _, u := range allowed {
		_, err := e.Check(u)
		assert.NoError(t, err, u)
	}

	denied := []string{
		"https://api.openai.com",
		"http://10.0.0.5:8000",
		"http://local.example.com",
		"http://my-lan-host",
	}
	for _, u := range denied {
		host, err := e.Check(u)
		var deny *EgressDeniedError
		require.True(t, errors.As(err, &deny), u)
		assert.Equal(t, ReasonCloudDenied, deny.Reason)
		assert.Equal(t, host, deny.Host)
	}
}

func TestEgress_Allowlist(t *testing.T) {
	e := NewEgress(Policy{Allowlist: []string{"127.0.0.1", "Studio.local"}})

	host, err := e.Check("http://studio.local:1234")
	require.NoError(t, err)
	assert.Equal(t, "studio.local", host)

	_, err = e.Check("http://localhost:1234")
	var deny *EgressDeniedError
	require.ErrorAs(t, err, &deny)
	assert.Equal(t, ReasonNotAllowlisted, deny.Reason)
}

func TestEgress_BlankAllowlistAdmitsNothing(t *testing.T) {
	for _, allow := range [][]string{{""}, {" "}, {"", "  "}} {
		_, err := NewEgress(Policy{Allowlist: allow}).Check("https://api.openai.com/v1")
		var deny *EgressDeniedError
		require.ErrorAs(t, err, &deny, "allowlist %q", allow)
		assert.Equal(t, ReasonNotAllowlisted, deny.Reason)
	}

	_, err := NewEgress(Policy{Allowlist: []string{}}).Check("https://api.openai.com/v1")
	require.NoError(t, err, "an empty allowlist is not configured")
}

func TestEgress_InvalidURL(t *testing.T) {
	e := NewEgress(Policy{})
	for _, u := range []string{"", "::", "localhost:1234", "file:///etc/passwd", "http://", "ftp://127.0.0.1"} {
		_, err := e.Check(u)
		var deny *EgressDeniedError
		require.ErrorAs(t, err, &deny, u)
		assert.Equal(t, ReasonInvalidURL, deny.Reason, u)
	}

	_, err := e.Check("https://api.example.com")
	assert.NoError(t, err, "empty policy permits any well-formed target")
}

// TestEgress_AllowlistProperty verifies a host outside a non-empty allowlist is
// always rejected, whatever else the policy says.
func TestEgress_AllowlistProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("hosts outside the allowlist never pass", prop.ForAll(
		func(allow []string, host string, denyCloud bool) bool {
			for _, a := range allow {
				if a == host {
					return true
				}
			}
			if len(allow) == 0 {
				allow = []string{"only-this.local"}
			}
			e := NewEgress(Policy{DenyCloud: denyCloud, Allowlist: allow, LANHosts: []string{host}})
			_, err := e.Check("http://" + host + ":8080/")
			return err != nil
		},
		gen.SliceOf(gen.Identifier().Map(func(s string) string { return "lan-" + strings.ToLower(s) })),
		gen.Identifier().Map(func(s string) string { return "lan-" + strings.ToLower(s) }),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
