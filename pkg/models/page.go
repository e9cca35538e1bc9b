package models

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 1000
)

// Page is an offset based window over a result set.
type Page struct {
	Offset int `json:"offset" query:"offset" validate:"gte=0"`
	Limit  int `json:"limit" query:"limit" validate:"gte=0,lte=1000"`
}

func NewPage(offset, limit int) Page {
	return Page{Offset: offset, Limit: limit}
}

// LimitWithOffset is the exclusive upper index of the page.
func (p Page) LimitWithOffset() int {
	return p.Offset + p.Limit
}

// ResultPage is one page of results together with the total size of the set.
type ResultPage[T any] struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
	Result []T `json:"result"`
}

func NewResultPage[T any](page Page, total int, result []T) ResultPage[T] {
	if result == nil {
		result = []T{}
	}
	return ResultPage[T]{
		Offset: page.Offset,
		Limit:  page.Limit,
		Total:  total,
		Result: result,
	}
}
