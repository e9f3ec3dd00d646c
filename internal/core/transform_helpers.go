package core

import "envgraph/pkg/domain"

// Certain returns the identity transform with no uncertainty, used as the
// composition seed when walking frame-tree chains.
func Certain() TransformUnc { return domain.Certain(domain.Identity()) }
