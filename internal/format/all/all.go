// Package all links in every object file backend. Build with the tags
// no_elf, no_coff, no_macho or no_xcoff to leave a backend out.
package all
