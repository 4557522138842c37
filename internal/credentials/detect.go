// Package credentials maps free text and declared env vars to the
// third-party providers a step needs, and stores per-agent credentials.
package credentials

import (
	"regexp"
	"sort"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// Provider names a third-party service a step may need a token for.
type Provider string

const (
	ProviderX        Provider = "x"
	ProviderGoogle   Provider = "google"
	ProviderGitHub   Provider = "github"
	ProviderSlack    Provider = "slack"
	ProviderLinkedIn Provider = "linkedin"
	ProviderDiscord  Provider = "discord"
	ProviderNotion   Provider = "notion"
)

// Requirement is one credential a step needs before it may run.
type Requirement struct {
	Provider Provider
	EnvVar   string
	Scopes   []string
}

type rule struct {
	provider Provider
	pattern  *regexp.Regexp
	envVar   string
	scopes   []string
}

// rules is the fixed keyword table. It is never mutated.
var rules = []rule{
	{ProviderX, regexp.MustCompile(`(?i)\b(twitter|tweets?|retweet|post(?:ing)?\s+(?:to|on)\s+x|x\.com)\b`),
		"X_ACCESS_TOKEN", []string{"tweet.read", "tweet.write", "users.read", "offline.access"}},
	{ProviderGoogle, regexp.MustCompile(`(?i)\b(gmail|google\s+(?:calendar|drive|sheets|docs)|send\s+(?:an\s+)?e-?mail)\b`),
		"GOOGLE_ACCESS_TOKEN", []string{"https://www.googleapis.com/auth/gmail.send", "https://www.googleapis.com/auth/calendar"}},
	{ProviderGitHub, regexp.MustCompile(`(?i)\b(github|pull\s+request|open\s+an?\s+issue)\b`),
		"GITHUB_TOKEN", []string{"repo"}},
	{ProviderSlack, regexp.MustCompile(`(?i)\bslack\b`),
		"SLACK_BOT_TOKEN", []string{"chat:write"}},
	{ProviderLinkedIn, regexp.MustCompile(`(?i)\blinked\s?in\b`),
		"LINKEDIN_ACCESS_TOKEN", []string{"w_member_social"}},
	{ProviderDiscord, regexp.MustCompile(`(?i)\bdiscord\b`),
		"DISCORD_BOT_TOKEN", []string{"bot"}},
	{ProviderNotion, regexp.MustCompile(`(?i)\bnotion\b`),
		"NOTION_TOKEN", nil},
}

// DetectRequiredCredentials returns the sorted set of providers whose
// keywords occur in text.
func DetectRequiredCredentials(text string) []Provider {
	var out []Provider
	for _, r := range rules {
		if r.pattern.MatchString(text) {
			out = append(out, r.provider)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RequirementFor returns the table entry for a provider. Providers outside
// the table get a bare requirement.
func RequirementFor(p Provider) Requirement {
	for _, r := range rules {
		if r.provider == p {
			return Requirement{Provider: p, EnvVar: r.envVar, Scopes: append([]string(nil), r.scopes...)}
		}
	}
	return Requirement{Provider: p}
}

// ProviderForEnvVar maps a declared env var to its provider. Unknown env
// vars name their own provider, lowercased.
func ProviderForEnvVar(envVar string) Provider {
	for _, r := range rules {
		if strings.EqualFold(r.envVar, envVar) {
			return r.provider
		}
	}
	return Provider(strings.ToLower(envVar))
}

// RequirementsFor unions providers detected in the step's name and
// description with its declared env vars. The result is sorted by provider.
func RequirementsFor(step schema.Step) []Requirement {
	seen := map[Provider]Requirement{}
	for _, p := range DetectRequiredCredentials(step.Name + "\n" + step.Description) {
		seen[p] = RequirementFor(p)
	}
	for _, env := range step.Config.EnvVars {
		p := ProviderForEnvVar(env)
		if _, ok := seen[p]; ok {
			continue
		}
		req := RequirementFor(p)
		if req.EnvVar == "" {
			req.EnvVar = env
		}
		seen[p] = req
	}

	out := make([]Requirement, 0, len(seen))
	for _, r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
