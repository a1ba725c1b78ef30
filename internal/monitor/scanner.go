package monitor

import (
	"regexp"
	"strings"
)

// CodeScanner flags suspicious constructs in submitted Python and R code.
// Findings are advisory: they are logged and counted, never used to reject
// a request. Isolation is the container's job.
type CodeScanner struct {
	patterns []ScanPattern
}

// ScanPattern defines a suspicious pattern to match.
type ScanPattern struct {
	Name        string
	Description string
	Languages   []string // empty matches every language
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for findings.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Finding represents one matched pattern.
type Finding struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewCodeScanner creates a scanner with default patterns.
func NewCodeScanner() *CodeScanner {
	return &CodeScanner{
		patterns: defaultPatterns(),
	}
}

// Scan checks code written in language line by line.
func (s *CodeScanner) Scan(language, code string) []Finding {
	var findings []Finding

	lines := strings.Split(code, "\n")
	for _, p := range s.patterns {
		if !p.appliesTo(language) {
			continue
		}
		for i, line := range lines {
			if p.Regex.MatchString(line) {
				findings = append(findings, Finding{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				})
			}
		}
	}

	return findings
}

func (p ScanPattern) appliesTo(language string) bool {
	if len(p.Languages) == 0 {
		return true
	}
	for _, l := range p.Languages {
		if l == language {
			return true
		}
	}
	return false
}

func defaultPatterns() []ScanPattern {
	return []ScanPattern{
		{
			Name:        "shell_exec",
			Description: "Spawning a shell or external process",
			Languages:   []string{"python"},
			Regex:       regexp.MustCompile(`\b(subprocess\.|os\.(system|popen|exec[lv]p?e?|spawn)|pty\.spawn)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "shell_exec",
			Description: "Spawning a shell or external process",
			Languages:   []string{"r"},
			Regex:       regexp.MustCompile(`\b(system2?|pipe|processx::run)\s*\(`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "network_access",
			Description: "Opening network connections",
			Languages:   []string{"python"},
			Regex:       regexp.MustCompile(`\bimport\s+(socket|requests|urllib|http\.client)|\bfrom\s+(socket|urllib|requests)\b`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "network_access",
			Description: "Opening network connections",
			Languages:   []string{"r"},
			Regex:       regexp.MustCompile(`\b(download\.file|url|socketConnection)\s*\(|\b(curl|httr|RCurl)::`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "dynamic_eval",
			Description: "Evaluating dynamically built code",
			Languages:   []string{"python"},
			Regex:       regexp.MustCompile(`\b(eval|exec|compile|__import__)\s*\(`),
			Severity:    SeverityLow,
		},
		{
			Name:        "symlink_creation",
			Description: "Creating symlinks in the shared workspace",
			Regex:       regexp.MustCompile(`\b(os\.symlink|file\.symlink|Sys\.junction)\s*\(`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "proc_self_access",
			Description: "Accessing /proc/self for process info",
			Regex:       regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|status|environ)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "container_breakout",
			Description: "Attempting container breakout via cgroup",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "host_socket_access",
			Description: "Attempting to reach the container runtime socket",
			Regex:       regexp.MustCompile(`docker\.sock|containerd\.sock`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "metadata_service",
			Description: "Attempting to reach cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight)`),
			Severity:    SeverityMedium,
		},
	}
}
