package app

// Button labels of the reply keyboard. The bot maps them onto commands.
const (
	ButtonAddLink = "➕ Добавить ссылку"
	ButtonMyLinks = "📚 Мои ссылки"
	ButtonHelp    = "📄 Помощь"
)

const welcomeText = `Привет\! Я бот для отслеживания новых лотов\.

Отправь мне ссылку на RSS\-ленту, чтобы начать отслеживание\.

*Команды:*
/add *<ссылка\>* \- добавить ссылку \(или просто отправьте ссылку\)
/mylinks \- показать ваши подписки
/remove *<номер ссылки\>* \- удалить подписку
/alias *<номер ссылки\> <название\>* \- задать короткое название для ссылки
/help \- показать это сообщение

*Кнопки:*
📌 *` + ButtonAddLink + `* \- добавить новую ссылку для отслеживания\.
📌 *` + ButtonMyLinks + `* \- список отслеживаемых ссылок\.
📌 *` + ButtonHelp + `* \- это сообщение\.`

const (
	askLinkHint     = "Отправьте ссылку после команды: `/add <ссылка>`\\."
	removeUsageText = "Укажите номер ссылки: `/remove <номер ссылки>`\\."
	aliasUsageText  = "Неверный формат команды\\. Используйте: `/alias <номер ссылки> <название>` " +
		"или `/alias <номер ссылки>` для удаления алиаса\\."
)
