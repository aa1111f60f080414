package model

// OrderPayload содержит поля заявки, присылаемые клиентом или оператором.
type OrderPayload struct {
	ClientName    string   `json:"client_name"`
	ClientPhone   string   `json:"client_phone"`
	Description   string   `json:"description"`
	Address       string   `json:"address"`
	EstimatedCost *float64 `json:"estimated_cost,omitempty"`
}

// OrderPatch содержит частичное обновление заявки куратором.
// Нулевой указатель означает «поле не менять».
type OrderPatch struct {
	ClientName    *string  `json:"client_name,omitempty"`
	ClientPhone   *string  `json:"client_phone,omitempty"`
	Description   *string  `json:"description,omitempty"`
	Address       *string  `json:"address,omitempty"`
	EstimatedCost *float64 `json:"estimated_cost,omitempty"`
	FinalCost     *float64 `json:"final_cost,omitempty"`
	Expenses      *float64 `json:"expenses,omitempty"`
}
