package serde

import (
	"fmt"
	"strconv"
	"strings"
)

// Manifest builds the "Name.V<version>" tag stored with every event.
func Manifest(name string, version int) string {
	return fmt.Sprintf("%s.V%d", name, version)
}

func ParseManifest(manifest string) (name string, version int, err error) {
	i := strings.LastIndex(manifest, ".V")
	if i <= 0 {
		return "", 0, fmt.Errorf("manifest %q is not on the form Name.V<version>", manifest)
	}
	version, err = strconv.Atoi(manifest[i+2:])
	if err != nil || version < 1 {
		return "", 0, fmt.Errorf("manifest %q has an invalid version", manifest)
	}
	return manifest[:i], version, nil
}
