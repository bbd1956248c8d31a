package models

import "time"

// Project represents a field campaign allocated to one account in Firestore.
// ID is not stored in the document itself; it is the document ID.
type Project struct {
	ID          string    `json:"id" firestore:"-"`
	Name        string    `json:"projectName" firestore:"projectName"`
	Country     string    `json:"country,omitempty" firestore:"country,omitempty"`
	City        string    `json:"cityName,omitempty" firestore:"cityName,omitempty"`
	FromDate    time.Time `json:"fromDate" firestore:"fromDate"`
	ToDate      time.Time `json:"toDate" firestore:"toDate"`
	Description string    `json:"description,omitempty" firestore:"description,omitempty"`
	TeamMembers []string  `json:"teamMembers,omitempty" firestore:"teamMembers,omitempty"`
	IsUploaded  bool      `json:"isUploaded" firestore:"isUploaded"`
}

// Expired reports whether the collection window closed before now.
func (p Project) Expired(now time.Time) bool {
	return !p.ToDate.IsZero() && now.After(p.ToDate)
}

// UserProfile is the account document cached on the device for the profile screen.
type UserProfile struct {
	Name         string `json:"name,omitempty" firestore:"name,omitempty"`
	Email        string `json:"email,omitempty" firestore:"email,omitempty"`
	Phone        string `json:"phone,omitempty" firestore:"phone,omitempty"`
	Organization string `json:"organization,omitempty" firestore:"organization,omitempty"`
}
