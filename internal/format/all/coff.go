//go:build !no_coff

package all

import _ "objwrite/internal/format/coff"
