package domain

import "time"

// User описывает пользователя Telegram в системе.
type User struct {
	ID        int64
	TGUserID  int64
	Username  string
	FirstName string
	IsAdmin   bool
	Interests string
	CreatedAt time.Time
}

// Channel описывает отслеживаемый публичный канал.
// LastPostID — водяной знак: наибольший ID поста, для которого
// резюме уже построено и доставлено. Только растёт.
type Channel struct {
	ID            int64
	Username      string
	Title         string
	LastPostID    int64
	IsActive      bool
	CreatedAt     time.Time
	LastCheckedAt *time.Time
}

// Subscription связывает пользователя с каналом. Пара уникальна.
type Subscription struct {
	ID        int64
	UserID    int64
	ChannelID int64
	CreatedAt time.Time
	User      User
	Channel   Channel
}

// Post хранит извлечённый контент поста вместе с резюме.
// Записи только добавляются и никогда не изменяются.
type Post struct {
	ID        int64
	ChannelID int64
	PostID    int64
	Content   string
	Summary   string
	CreatedAt time.Time
}

// ParsedPost — пост, извлечённый из веб-превью канала.
type ParsedPost struct {
	PostID    int64
	Text      string
	Date      *time.Time
	Views     string
	ImageURLs []string
}

// ChannelInfo — метаданные канала из OpenGraph веб-страницы.
type ChannelInfo struct {
	Username    string
	Title       string
	Description string
	Subscribers string
	PhotoURL    string
}

// PostContent — вход суммаризатора.
type PostContent struct {
	Text      string
	ImageURLs []string
	Channel   string
}

// AuthState описывает шаг мастера авторизации вспомогательной сессии.
type AuthState string

const (
	AuthNotStarted      AuthState = "not_started"
	AuthWaitingCode     AuthState = "waiting_code"
	AuthWaitingPassword AuthState = "waiting_password"
	AuthAuthorized      AuthState = "authorized"
	AuthError           AuthState = "error"
)

// AuxSession — единственная на процесс запись о вспомогательной сессии.
type AuxSession struct {
	State     AuthState
	Phone     string
	LastError string
	UpdatedAt time.Time
}

// ChannelMessage — сообщение канала, полученное через вспомогательную сессию.
type ChannelMessage struct {
	ID         int64
	Date       time.Time
	Text       string
	MediaTypes []string
}

// Stats — счётчики для дашборда.
type Stats struct {
	TotalUsers         int `json:"total_users"`
	TotalChannels      int `json:"total_channels"`
	TotalSubscriptions int `json:"total_subscriptions"`
	TotalPosts         int `json:"total_posts"`
}

// AISettings — выбор провайдера и моделей суммаризации.
type AISettings struct {
	Provider    string
	GeminiModel string
	OpenAIModel string
}
