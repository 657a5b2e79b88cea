package melipayamak

import (
	"github.com/aelexs/otp-gateway/internal/domain"
	"github.com/aelexs/otp-gateway/internal/otp"
)

// The gateway has no explicit success code: a successful send answers with
// the message's record id, a numeric string longer than 15 digits. Every
// other answer is a small signed integer error code.
const successMinDigits = 16

// ReasonUnknown classifies any status the table does not list.
const ReasonUnknown = "unknown"

type statusText struct {
	reason string
	fa     string
	en     string
}

var sentText = statusText{reason: "sent", fa: "ارسال موفق پیامک", en: "sent successfully"}

var unknownText = statusText{reason: ReasonUnknown, fa: "خطای نامشخص", en: "unrecognized status"}

var statusTable = map[string]statusText{
	"-10": {"link_in_variables", "در میان متغییر های ارسالی ، لینک وجود دارد", "template variables contain a link"},
	"-7":  {"sender_number_error", "خطایی در شماره فرستنده رخ داده است با پشتیبانی تماس بگیرید", "sender number error"},
	"-6":  {"internal_error", "خطای داخلی رخ داده است با پشتیبانی تماس بگیرید", "gateway internal error"},
	"-5":  {"template_mismatch", "متن ارسالی باتوجه به متغیرهای مشخص شده در متن پیشفرض همخوانی ندارد", "text does not match the template variables"},
	"-4":  {"template_not_approved", "کد متن ارسالی صحیح نمی‌باشد و یا توسط مدیر سامانه تأیید نشده است", "template code is wrong or not approved"},
	"-3":  {"line_not_defined", "خط ارسالی در سیستم تعریف نشده است، با پشتیبانی سامانه تماس بگیرید", "sender line is not defined"},
	"-2":  {"per_mobile_limit", "محدودیت تعداد شماره، محدودیت هربار ارسال یک شماره موبایل می‌باشد", "per-mobile send limit: one mobile per send"},
	"-1":  {"webservice_disabled", "دسترسی برای استفاده از این وبسرویس غیرفعال است. با پشتیبانی تماس بگیرید", "web service access is disabled"},
	"0":   {"bad_credentials", "نام کاربری یا رمزعبور صحیح نمی‌باشد", "bad credentials"},
	"2":   {"insufficient_credit", "اعتبار کافی نمی‌باشد", "insufficient credit"},
	"6":   {"system_updating", "سامانه درحال بروزرسانی می‌باشد", "gateway is updating"},
	"7":   {"filtered_word", "متن حاوی کلمه فیلتر شده می‌باشد، با واحد اداری تماس بگیرید", "text contains a filtered word"},
	"10":  {"user_inactive", "کاربر موردنظر فعال نمی‌باشد", "account is inactive"},
	"11":  {"not_sent", "ارسال نشده", "not sent"},
	"12":  {"incomplete_documents", "مدارک کاربر کامل نمی‌باشد", "account documents are incomplete"},
	"16":  {"recipient_not_found", "شماره گیرنده ای یافت نشد", "recipient not found"},
	"17":  {"empty_text", "متن پیامک خالی می باشد", "message text is empty"},
}

// IsSuccess reports whether raw is a record id: only ASCII digits and
// longer than 15 of them.
func IsSuccess(raw string) bool {
	if len(raw) < successMinDigits {
		return false
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < '0' || raw[i] > '9' {
			return false
		}
	}
	return true
}

// Classifier maps SendByBaseNumber results to a verdict with a message in
// the configured locale.
type Classifier struct {
	locale domain.Locale
}

// NewClassifier returns a Classifier for locale. Unsupported locales fall
// back to Persian.
func NewClassifier(locale domain.Locale) Classifier {
	if locale != domain.LocaleEN {
		locale = domain.LocaleFA
	}
	return Classifier{locale: locale}
}

// Classify implements otp.Classifier.
func (c Classifier) Classify(raw string) otp.Classification {
	if IsSuccess(raw) {
		return otp.Succeeded()
	}
	t := lookup(raw)
	return otp.Failed(t.reason, c.text(t))
}

// Describe returns the human description of raw, including the success case.
func (c Classifier) Describe(raw string) string {
	if IsSuccess(raw) {
		return c.text(sentText)
	}
	return c.text(lookup(raw))
}

func (c Classifier) text(t statusText) string {
	if c.locale == domain.LocaleEN {
		return t.en
	}
	return t.fa
}

func lookup(raw string) statusText {
	if t, ok := statusTable[raw]; ok {
		return t
	}
	return unknownText
}

var _ otp.Classifier = Classifier{}
