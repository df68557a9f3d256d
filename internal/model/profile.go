package model

// Profile 收货 / 支付信息。加载完成后只读，结算执行器只拿到只读引用。
type Profile struct {
	Name       string `json:"name" validate:"required"`
	Email      string `json:"email" validate:"required,email"`
	FirstName  string `json:"firstName" validate:"required"`
	LastName   string `json:"lastName" validate:"required"`
	Address1   string `json:"address1" validate:"required"`
	Address2   string `json:"address2,omitempty"`
	City       string `json:"city" validate:"required"`
	State      string `json:"state,omitempty"`
	ZipCode    string `json:"zip" validate:"required"`
	Country    string `json:"country" validate:"required,len=2"`
	Phone      string `json:"phone" validate:"required"`
	CardNumber string `json:"-" validate:"required,credit_card"`
	CardExp    string `json:"-" validate:"required"`
	CardCVV    string `json:"-" validate:"required,min=3,max=4"`
}
