//go:build !no_elf

package all

import _ "objwrite/internal/format/elf"
