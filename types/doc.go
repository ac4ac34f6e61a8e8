// Package types provides the core domain types of the Linsight execution
// engine. This package has ZERO dependencies on other linsight packages to
// avoid circular imports. All other packages should import types from here.
package types
