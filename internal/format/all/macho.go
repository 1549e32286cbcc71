//go:build !no_macho

package all

import _ "objwrite/internal/format/macho"
