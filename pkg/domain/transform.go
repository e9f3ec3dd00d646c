package domain

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Transform is a rigid 3D transform: a rotation matrix and a translation
// vector. It serialises as 12 doubles (9 rotation entries, row-major, plus 3
// translation entries) on the binary event stream and in frame-node payload
// blobs.
type Transform struct {
	Rotation    [3][3]float64
	Translation [3]float64
}

// Identity returns the identity transform.
func Identity() Transform {
	t := Transform{}
	t.Rotation[0][0], t.Rotation[1][1], t.Rotation[2][2] = 1, 1, 1
	return t
}

func (t Transform) rotationMat() *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.Set(r, c, t.Rotation[r][c])
		}
	}
	return m
}

func (t Transform) translationVec() *mat.VecDense {
	return mat.NewVecDense(3, []float64{t.Translation[0], t.Translation[1], t.Translation[2]})
}

func fromRotTrans(rot *mat.Dense, trans *mat.VecDense) Transform {
	var out Transform
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out.Rotation[r][c] = rot.At(r, c)
		}
		out.Translation[r] = trans.AtVec(r)
	}
	return out
}

// Compose returns t followed by other: applying the result to a point is
// equivalent to applying t, then other, i.e. other * t in matrix form.
func (t Transform) Compose(other Transform) Transform {
	tr := t.rotationMat()
	or := other.rotationMat()
	var rot mat.Dense
	rot.Mul(or, tr)

	var rotated mat.VecDense
	rotated.MulVec(or, t.translationVec())
	var trans mat.VecDense
	trans.AddVec(&rotated, other.translationVec())

	return fromRotTrans(&rot, &trans)
}

// Inverse returns the transform that undoes t.
func (t Transform) Inverse() Transform {
	rot := t.rotationMat()
	var rotT mat.Dense
	rotT.CloneFrom(rot.T())

	var negated mat.VecDense
	negated.ScaleVec(-1, t.translationVec())
	var trans mat.VecDense
	trans.MulVec(&rotT, &negated)

	return fromRotTrans(&rotT, &trans)
}

// Apply transforms a point by t.
func (t Transform) Apply(point [3]float64) [3]float64 {
	p := mat.NewVecDense(3, []float64{point[0], point[1], point[2]})
	var rotated mat.VecDense
	rotated.MulVec(t.rotationMat(), p)
	return [3]float64{
		rotated.AtVec(0) + t.Translation[0],
		rotated.AtVec(1) + t.Translation[1],
		rotated.AtVec(2) + t.Translation[2],
	}
}

// TransformWithUncertainty additionally carries a 6x6 covariance over the
// transform's (translation, rotation) tangent space. Composition is
// linearized via the adjoint-based Jacobians of the rigid transform group;
// composing two uncertainty-free transforms takes the fast path in Compose
// and skips the covariance math entirely.
type TransformWithUncertainty struct {
	Transform  Transform
	Covariance *[6][6]float64 // nil means "no uncertainty"
}

// Certain wraps a bare Transform with no uncertainty.
func Certain(t Transform) TransformWithUncertainty {
	return TransformWithUncertainty{Transform: t}
}

// HasUncertainty reports whether a non-trivial covariance is attached.
func (t TransformWithUncertainty) HasUncertainty() bool {
	return t.Covariance != nil
}

func covToDense(cov *[6][6]float64) *mat.Dense {
	m := mat.NewDense(6, 6, nil)
	for r := 0; r < 6; r++ {
		for c := 0; c < 6; c++ {
			m.Set(r, c, cov[r][c])
		}
	}
	return m
}

func denseToCov(m mat.Matrix) *[6][6]float64 {
	var out [6][6]float64
	for r := 0; r < 6; r++ {
		for c := 0; c < 6; c++ {
			out[r][c] = m.At(r, c)
		}
	}
	return &out
}

// adjoint returns the 6x6 adjoint matrix of a Transform, used to push a
// covariance expressed in the frame of t through to the composed frame. The
// tangent-space ordering is (translation, rotation).
func adjoint(t Transform) *mat.Dense {
	rot := t.rotationMat()
	adj := mat.NewDense(6, 6, nil)
	// top-left block: rotation
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			adj.Set(r, c, rot.At(r, c))
			adj.Set(r+3, c+3, rot.At(r, c))
		}
	}
	// top-right block: skew(translation) * rotation
	skew := mat.NewDense(3, 3, []float64{
		0, -t.Translation[2], t.Translation[1],
		t.Translation[2], 0, -t.Translation[0],
		-t.Translation[1], t.Translation[0], 0,
	})
	var skewRot mat.Dense
	skewRot.Mul(skew, rot)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			adj.Set(r, c+3, skewRot.At(r, c))
		}
	}
	return adj
}

// Compose linearizes covariance propagation through the adjoint of other:
// cov_result = Adj(other) * cov_t * Adj(other)^T + cov_other. When neither
// operand carries uncertainty, this is exactly Transform.Compose with no
// matrix work beyond the rigid composition itself.
func (t TransformWithUncertainty) Compose(other TransformWithUncertainty) TransformWithUncertainty {
	composed := t.Transform.Compose(other.Transform)
	if t.Covariance == nil && other.Covariance == nil {
		return Certain(composed)
	}

	var total mat.Dense
	total.ReuseAs(6, 6)
	if t.Covariance != nil {
		adj := adjoint(other.Transform)
		covT := covToDense(t.Covariance)
		var tmp mat.Dense
		tmp.Mul(adj, covT)
		var propagated mat.Dense
		propagated.Mul(&tmp, adj.T())
		total.Add(&total, &propagated)
	}
	if other.Covariance != nil {
		total.Add(&total, covToDense(other.Covariance))
	}
	return TransformWithUncertainty{Transform: composed, Covariance: denseToCov(&total)}
}

// Inverse returns the transform that undoes t, propagating covariance through
// the adjoint of the inverse rotation.
func (t TransformWithUncertainty) Inverse() TransformWithUncertainty {
	inv := t.Transform.Inverse()
	if t.Covariance == nil {
		return Certain(inv)
	}
	adj := adjoint(inv)
	covT := covToDense(t.Covariance)
	var tmp mat.Dense
	tmp.Mul(adj, covT)
	var propagated mat.Dense
	propagated.Mul(&tmp, adj.T())
	return TransformWithUncertainty{Transform: inv, Covariance: denseToCov(&propagated)}
}

// ApproxEqual reports whether two transforms are equal within tol, used by
// round-trip property tests rather than production code.
func (t Transform) ApproxEqual(other Transform, tol float64) bool {
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			if math.Abs(t.Rotation[r][c]-other.Rotation[r][c]) > tol {
				return false
			}
		}
		if math.Abs(t.Translation[r]-other.Translation[r]) > tol {
			return false
		}
	}
	return true
}
