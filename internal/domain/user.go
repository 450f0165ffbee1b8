package domain

import (
	"github.com/google/uuid"
)

// User - представление пользователя, которое отдает внешний справочник (профили и связи).
type User struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"-"`
	Profile     *Profile  `json:"profile,omitempty"`
}

type Profile struct {
	Verified          bool   `json:"verified"`
	FraudFlag         bool   `json:"-"`
	UserType          string `json:"user_type"`
	EmailOnNewMessage bool   `json:"-"`
}

const (
	UserTypeStudent = "student"
	UserTypeAlumni  = "alumni"
)

// IsVerified: профиль есть, подтвержден и не помечен как мошеннический.
func (u *User) IsVerified() bool {
	return u != nil && u.Profile != nil && u.Profile.Verified && !u.Profile.FraudFlag
}

func (u *User) HasFraudFlag() bool {
	return u != nil && u.Profile != nil && u.Profile.FraudFlag
}

func (u *User) WantsMessageEmails() bool {
	return u != nil && u.Profile != nil && u.Profile.EmailOnNewMessage && u.Email != ""
}

// Name возвращает имя для отображения в сообщениях.
func (u *User) Name() string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return u.Username
	}
	return u.DisplayName
}
