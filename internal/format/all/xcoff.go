//go:build !no_xcoff

package all

import _ "objwrite/internal/format/xcoff"
