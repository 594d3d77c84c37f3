package blueprint

import "strings"

// compoundExtensions are stripped from the final path segment when
// deriving an id. Order matters only in that ".yaml" must be checked
// before ".yml" would be a no-op either way since they're disjoint.
var compoundExtensions = []string{".yaml", ".yml", ".json"}

// DerivePathID computes a blueprint id from its path in the
// configuration source tree. The id is a pure function of the path:
// directory separators become "__" and the recognised extension is
// stripped. "blueprints/foo/bar/baz.yaml" -> "foo__bar__baz". The
// leading "blueprints/" root segment, if present, is dropped since it
// names the tree root rather than the blueprint itself.
func DerivePathID(path string) string {
	p := strings.TrimPrefix(path, "/")
	p = strings.TrimPrefix(p, "blueprints/")

	for _, ext := range compoundExtensions {
		if strings.HasSuffix(p, ext) {
			p = strings.TrimSuffix(p, ext)
			break
		}
	}

	segments := strings.Split(p, "/")
	return strings.Join(segments, "__")
}
