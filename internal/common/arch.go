package common

import "runtime"

var RuntimeGOARCH = runtime.GOARCH

// CurrentArch returns the architecture of the running process using the
// names the distributions use, rather than Go's own.
func CurrentArch() Architecture {
	switch RuntimeGOARCH {
	case "amd64":
		return X86_64
	case "arm64":
		return Aarch64
	case "ppc64le":
		return Ppc64le
	case "s390x":
		return S390x
	default:
		panic("unsupported architecture")
	}
}
