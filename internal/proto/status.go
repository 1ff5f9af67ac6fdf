package proto

// Conventional HTTP-style status codes reused on the socket protocol so that
// existing REST clients can interpret envelopes without a translation table.
const (
	StatusOK               = 200
	StatusCreated          = 201
	StatusNoContent        = 204
	StatusBadRequest       = 400
	StatusForbidden        = 403
	StatusNotFound         = 404
	StatusMethodNotAllowed = 405
	StatusInternalError    = 500
)
