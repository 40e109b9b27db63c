package api

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var nonWord = regexp.MustCompile(`[^A-Za-z0-9_]`)

// Bucket names are capped at 63 characters and the id suffix takes 37.
const maxExternalBase = 26

// Sanitize strips every character that is not a letter, digit or underscore.
func Sanitize(s string) string {
	return nonWord.ReplaceAllString(s, "")
}

// ExternalName derives the globally unique, lowercase external name of a
// project: the sanitized project name with spaces turned into dashes,
// suffixed with a random id.
func ExternalName(projName string, id uuid.UUID) string {
	words := strings.Fields(projName)
	for i, w := range words {
		words[i] = Sanitize(w)
	}
	base := strings.ReplaceAll(strings.Join(words, "-"), "_", "-")
	if len(base) > maxExternalBase {
		base = base[:maxExternalBase]
	}
	base = strings.Trim(base, "-")
	if base == "" {
		return strings.ToLower(id.String())
	}
	return strings.ToLower(base + "-" + id.String())
}

// NewIdentity returns the identity block for a fresh project.
func NewIdentity(projName, iam, registry, domain, certificate string) Identity {
	if domain == "" {
		domain = DefaultDomain
	}
	return Identity{
		ProjName:    projName,
		AWSName:     ExternalName(projName, uuid.New()),
		IAM:         iam,
		Registry:    registry,
		RootDomain:  domain,
		Certificate: certificate,
	}
}

// ClusterName is the sanitized project name used for the cluster and load
// balancer.
func (i Identity) ClusterName() string {
	return Sanitize(i.ProjName)
}

// MaxDatabaseIdentifier is the longest instance identifier RDS accepts.
const MaxDatabaseIdentifier = 63

var databaseIdentifier = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*$`)

// DatabaseIdentifier is the instance identifier of the project's logical
// database db: lowercase letters and digits only, starting with a letter,
// the project part shortened so the db suffix always fits.
func DatabaseIdentifier(projName, db string) string {
	clean := func(s string) string {
		return strings.ToLower(strings.ReplaceAll(Sanitize(s), "_", ""))
	}
	proj, suffix := clean(projName), clean(db)
	if proj == "" || proj[0] < 'a' || proj[0] > 'z' {
		proj = "db" + proj
	}
	if room := MaxDatabaseIdentifier - len(suffix); len(proj) > room {
		proj = proj[:room]
	}
	return proj + suffix
}

// ValidDatabaseIdentifier reports whether id is an identifier RDS accepts.
func ValidDatabaseIdentifier(id string) bool {
	return len(id) <= MaxDatabaseIdentifier && databaseIdentifier.MatchString(id)
}
