package mms

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// resolvePath maps a device file name onto the host file system below
// fileRoot.  Device names use "/" separators; some devices send "\".
func resolvePath(fileRoot, name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")

	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: %q leaves the file root", ErrAccessDenied, name)
		}
	}

	return filepath.Join(fileRoot, filepath.FromSlash(path.Clean("/"+name))), nil
}

// deviceName is the inverse of resolvePath for an entry found in dir.
func deviceName(dir, name string) string {
	dir = strings.Trim(strings.ReplaceAll(dir, `\`, "/"), "/")
	if dir == "" || dir == "." {
		return name
	}

	return dir + "/" + name
}
