package core

import "envgraph/pkg/domain"

type (
	ItemID        = domain.ItemID
	ItemKind      = domain.ItemKind
	Base          = domain.Base
	FrameNode     = domain.FrameNode
	Layer         = domain.Layer
	CartesianMap  = domain.CartesianMap
	Operator      = domain.Operator
	Transform     = domain.Transform
	TransformUnc  = domain.TransformWithUncertainty
	Extents       = domain.Extents
	Change        = domain.Change
	Action        = domain.Action
	Violation     = domain.Violation
	Result        = domain.Result
	Error         = domain.Error
	ErrorKind     = domain.ErrorKind
	ChangePayload = domain.ChangePayload
)

const (
	KindFrameNode = domain.KindFrameNode
	KindLayer     = domain.KindLayer
	KindOperator  = domain.KindOperator
)

const (
	ActionAttach       = domain.ActionAttach
	ActionDetach       = domain.ActionDetach
	ActionModify       = domain.ActionModify
	ActionEdgeAdded    = domain.ActionEdgeAdded
	ActionEdgeRemoved  = domain.ActionEdgeRemoved
	ActionFrameChanged = domain.ActionFrameChanged
)

const (
	ErrNotAttached        = domain.ErrNotAttached
	ErrAlreadyAttached     = domain.ErrAlreadyAttached
	ErrIdCollision        = domain.ErrIdCollision
	ErrNotFound           = domain.ErrNotFound
	ErrAmbiguous          = domain.ErrAmbiguous
	ErrTypeMismatch       = domain.ErrTypeMismatch
	ErrArityExceeded      = domain.ErrArityExceeded
	ErrAlreadyGenerated   = domain.ErrAlreadyGenerated
	ErrGraphCycle         = domain.ErrGraphCycle
	ErrImmutableViolation = domain.ErrImmutableViolation
	ErrFactoryConflict    = domain.ErrFactoryConflict
	ErrReplayConflict     = domain.ErrReplayConflict
	ErrOperatorFailure    = domain.ErrOperatorFailure
	ErrIoError            = domain.ErrIoError
)
